package loader

import (
	"github.com/pkg/errors"
)

type LoaderError int

const LoaderNoError LoaderError = 0
const LoaderNotFound LoaderError = -1
const LoaderInvalidFormat LoaderError = -2
const LoaderUnsupported LoaderError = -3
const LoaderIncompatibleVersion LoaderError = -4
const LoaderAllocationFailure LoaderError = -5
const LoaderIOFailure LoaderError = -6
const LoaderFatal LoaderError = -7
const LoaderLoadError LoaderError = -8

func (e LoaderError) Error() string {
	return e.String()
}

func (e LoaderError) String() string {
	switch e {
	case LoaderNoError:
		return "LoaderNoError"
	case LoaderNotFound:
		return "NotFound"
	case LoaderInvalidFormat:
		return "InvalidFormat"
	case LoaderUnsupported:
		return "Unsupported"
	case LoaderIncompatibleVersion:
		return "IncompatibleVersion"
	case LoaderAllocationFailure:
		return "AllocationFailure"
	case LoaderIOFailure:
		return "IOFailure"
	case LoaderFatal:
		return "Fatal"
	case LoaderLoadError:
		return "LoadError"
	default:
		return "unknown loader error code"
	}
}

// KindOf digs the LoaderError out of a wrapped error.  Errors that did not
// start as a LoaderError report LoaderFatal; nil reports LoaderNoError.
func KindOf(err error) LoaderError {
	if err == nil {
		return LoaderNoError
	}
	var le LoaderError
	if errors.As(err, &le) {
		return le
	}
	return LoaderFatal
}
