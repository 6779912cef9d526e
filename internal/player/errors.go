package player

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState    = errors.New("player: invalid state")
	ErrPlayerClosed    = errors.New("player: closed")
	ErrSeekSuperseded  = errors.New("player: seek superseded by a newer seek")
	ErrUnsupportedRate = errors.New("player: unsupported rate")
	ErrCloseTimeout    = errors.New("player: timed out waiting for pipeline shutdown")
	ErrNoStream        = errors.New("player: no such stream")
)

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s)
}
