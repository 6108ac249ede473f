package endpoint

import (
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wtransport/internal/topology"
)

// ServerObserver receives server notifications on the event loop.
type ServerObserver interface {
	OnSession(sess *webtransport.Session)
	OnSessionClosed(sess *webtransport.Session)
	OnEnded()
}

// ClientObserver receives client notifications on the event loop.
type ClientObserver interface {
	OnConnected(sess *webtransport.Session)
	OnConnectionFailed(err error)
	OnClosed()
}

// ServerObserverFuncs adapts optional functions to ServerObserver.
type ServerObserverFuncs struct {
	Session       func(sess *webtransport.Session)
	SessionClosed func(sess *webtransport.Session)
	Ended         func()
}

func (f ServerObserverFuncs) OnSession(sess *webtransport.Session) {
	if f.Session != nil {
		f.Session(sess)
	}
}

func (f ServerObserverFuncs) OnSessionClosed(sess *webtransport.Session) {
	if f.SessionClosed != nil {
		f.SessionClosed(sess)
	}
}

func (f ServerObserverFuncs) OnEnded() {
	if f.Ended != nil {
		f.Ended()
	}
}

// ClientObserverFuncs adapts optional functions to ClientObserver.
type ClientObserverFuncs struct {
	Connected        func(sess *webtransport.Session)
	ConnectionFailed func(err error)
	Closed           func()
}

func (f ClientObserverFuncs) OnConnected(sess *webtransport.Session) {
	if f.Connected != nil {
		f.Connected(sess)
	}
}

func (f ClientObserverFuncs) OnConnectionFailed(err error) {
	if f.ConnectionFailed != nil {
		f.ConnectionFailed(err)
	}
}

func (f ClientObserverFuncs) OnClosed() {
	if f.Closed != nil {
		f.Closed()
	}
}

// notifier posts observer callbacks to the event loop.
type notifier[O any] struct {
	events   *topology.Loop
	observer O
	present  bool
	logger   zerolog.Logger
}

func newNotifier[O any](events *topology.Loop, observer O, logger zerolog.Logger) notifier[O] {
	return notifier[O]{events: events, observer: observer, present: any(observer) != nil, logger: logger}
}

func (n notifier[O]) notify(event string, fn func(O)) {
	if !n.present {
		return
	}
	obs := n.observer
	if err := n.events.Post(func() { fn(obs) }); err != nil {
		n.logger.Debug().Err(err).Str("event", event).Msg("notification dropped")
	}
}
