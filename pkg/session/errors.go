package session

import "errors"

var (
	// ErrNilProvider is returned when a Call is constructed without one
	// of its three required providers.
	ErrNilProvider = errors.New("session: nil provider")
	// ErrSTTAuthFailed marks a terminal setup error: the STT upstream
	// rejected credentials at connect time (spec.md §7).
	ErrSTTAuthFailed = errors.New("session: stt authorization failed")
	// ErrSTTConnectFailed covers any other failure to establish the STT
	// session.
	ErrSTTConnectFailed = errors.New("session: stt connect failed")
	// ErrCallEnded marks an operation attempted after the call has
	// reached the Ended state. Nothing in this package returns it.
	ErrCallEnded = errors.New("session: call already ended")
	// ErrLLMFailed and ErrTTSFailed are transient-upstream-failure
	// markers (spec.md §7): callers fall back to Config.FallbackUtterance
	// and return to Listening rather than tearing the call down.
	ErrLLMFailed = errors.New("session: llm request failed")
	ErrTTSFailed = errors.New("session: tts request failed")
)
