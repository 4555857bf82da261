package firmware

// Status is a firmware return code.  The values are the low bits of the
// firmware's own error codes, so they can be carried through unchanged from
// a real binding.
type Status uint64

const (
	Success          = Status(0)
	LoadError        = Status(1)
	InvalidParameter = Status(2)
	Unsupported      = Status(3)
	BufferTooSmall   = Status(5)
	DeviceError      = Status(7)
	OutOfResources   = Status(9)
	NotFound         = Status(14)
)

var ErrInvalidParameter error = InvalidParameter
var ErrUnsupported error = Unsupported
var ErrBufferTooSmall error = BufferTooSmall
var ErrDeviceError error = DeviceError
var ErrOutOfResources error = OutOfResources
var ErrNotFound error = NotFound

func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case LoadError:
		return "LoadError"
	case InvalidParameter:
		return "InvalidParameter"
	case Unsupported:
		return "Unsupported"
	case BufferTooSmall:
		return "BufferTooSmall"
	case DeviceError:
		return "DeviceError"
	case OutOfResources:
		return "OutOfResources"
	case NotFound:
		return "NotFound"
	default:
		return "unknown firmware status"
	}
}
