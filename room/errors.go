package room

import "errors"

var (
	ErrRoomInit             = errors.New("unable to init room media")
	ErrDuplicateParticipant = errors.New("participant already exists")
	ErrAlreadyJoined        = errors.New("participant already joined")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrCannotConsume        = errors.New("cannot consume producer")
	ErrRoomClosed           = errors.New("room is closed")
	ErrRoomReconfiguring    = errors.New("room is reconfiguring")
	ErrUnknownAction        = errors.New("unknown media action")
	ErrRequestTimeout       = errors.New("peer request timed out")
)
