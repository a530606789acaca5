package logging

import (
	"log/slog"
	"time"
)

// Field keys.
const (
	KeyError      = "error"
	KeyService    = "service"
	KeyFlowID     = "flow_id"
	KeyRequestID  = "request_id"
	KeyState      = "state"
	KeyAlgorithm  = "algorithm"
	KeyDifficulty = "difficulty"
	KeyCounter    = "counter"
	KeyURL        = "url"
	KeyRemoteAddr = "remote_addr"
	KeyDuration   = "duration"
	KeyReason     = "reason"
)

// Err returns an error attribute.
func Err(err error) slog.Attr {
	return slog.Any(KeyError, err)
}

// FlowID identifies one client handshake.
func FlowID(id string) slog.Attr {
	return slog.String(KeyFlowID, id)
}

// RequestID identifies one gateway request.
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// State records a handshake state; any fmt.Stringer works.
func State(s interface{ String() string }) slog.Attr {
	return slog.String(KeyState, s.String())
}

// Algorithm records a hash algorithm name.
func Algorithm(name string) slog.Attr {
	return slog.String(KeyAlgorithm, name)
}

// Difficulty records a difficulty in leading zero bits.
func Difficulty(d int) slog.Attr {
	return slog.Int(KeyDifficulty, d)
}

// Counter records a solved counter.
func Counter(c uint32) slog.Attr {
	return slog.Uint64(KeyCounter, uint64(c))
}

// URL records a request URL.
func URL(u string) slog.Attr {
	return slog.String(KeyURL, u)
}

// RemoteAddr records the peer address of a gateway request.
func RemoteAddr(addr string) slog.Attr {
	return slog.String(KeyRemoteAddr, addr)
}

// Duration records d under the duration key.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration(KeyDuration, d)
}

// Reason records why a request was rejected.
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}
