package mount

import (
	"errors"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
)

var (
	ErrConnection        = errors.New("connection error")
	ErrNotConnected      = errors.New("mount is not connected")
	ErrAlreadyConnected  = errors.New("mount is already connected")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrCapabilityTimeout = errors.New("device capabilities did not appear in time")
	ErrVectorNotFound    = indi.ErrVectorNotFound

	ErrInvalidDirection   = errors.New("invalid direction")
	ErrInvalidOption      = errors.New("invalid option")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidTime        = errors.New("invalid time or date")

	ErrMotionTimeout  = errors.New("motion did not complete in time")
	ErrMotionAborted  = errors.New("motion aborted")
	ErrConfigMismatch = errors.New("value did not read back as written")

	ErrNotImplemented = errors.New("operation not implemented by this mount")
)
