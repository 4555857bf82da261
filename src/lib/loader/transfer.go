package loader

import (
	"github.com/pkg/errors"

	"farewell/src/lib/trust"
)

// Transfer hands the machine to the loaded image.  Jump never returns when
// it works; an implementation that returns is reporting that the image gave
// control back, which the image must never do.
type Transfer interface {
	Jump(entry uint64)
}

// Enter jumps to the entry point of img.  It only returns if the image came
// back, and then always with LoaderLoadError.
func Enter(t Transfer, img *LoadedImage) error {
	trust.Infof("entering image at 0x%x", img.EntryPoint)
	t.Jump(img.EntryPoint)
	return errors.Wrapf(LoaderLoadError, "image at 0x%x returned to the loader", img.EntryPoint)
}
