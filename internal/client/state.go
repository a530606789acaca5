package client

// State is a step of the challenge handshake.
type State int

const (
	StateInit State = iota
	StateKeysGenerated
	StateChallengeRequested
	StateChallengeReceived
	StateChallengeDecrypted
	StateSolved
	StateAnswerEncrypted
	StateHeaderAttached
	StateForwarded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateKeysGenerated:
		return "KEYS_GENERATED"
	case StateChallengeRequested:
		return "CHALLENGE_REQUESTED"
	case StateChallengeReceived:
		return "CHALLENGE_RECEIVED"
	case StateChallengeDecrypted:
		return "CHALLENGE_DECRYPTED"
	case StateSolved:
		return "SOLVED"
	case StateAnswerEncrypted:
		return "ANSWER_ENCRYPTED"
	case StateHeaderAttached:
		return "HEADER_ATTACHED"
	case StateForwarded:
		return "FORWARDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
