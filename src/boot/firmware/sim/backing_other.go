//go:build !unix

package sim

func newBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeBacking(_ []byte) error {
	return nil
}
