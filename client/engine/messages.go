package engine

import (
	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
)

type inboxMsg interface{ isInboxMsg() }

type joinRoom struct {
	identity model.RoomIdentity
	reply    chan error
}

type leaveRoom struct {
	reply chan error
}

type submitIntent struct {
	env   codec.Envelope
	reply chan error
}

func (joinRoom) isInboxMsg()     {}
func (leaveRoom) isInboxMsg()    {}
func (submitIntent) isInboxMsg() {}
