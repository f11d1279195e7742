package spawner

import "os"

// PipePair is one unidirectional OS pipe split into a "local" half kept by
// the parent and a "remote" half handed to the child. Both ends are
// opened close-on-exec by the Go runtime; passing Remote to exec.Cmd's
// Stdin/Stdout/Stderr clears close-on-exec on the duplicated descriptor
// the child actually inherits, so no end ever leaks into an unrelated
// subprocess.
type PipePair struct {
	Local  *os.File
	Remote *os.File
}

// NewPipePair opens one OS pipe. parentWrites controls which half the caller will
// keep as "local": for the worker's stdin pipe the parent writes and the
// child reads, so Local is the write end and Remote is the read end; for
// stdout/stderr it is the reverse.
func NewPipePair(parentWrites bool) (PipePair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return PipePair{}, err
	}
	if parentWrites {
		return PipePair{Local: w, Remote: r}, nil
	}
	return PipePair{Local: r, Remote: w}, nil
}

// CloseRemote closes the remote half in the parent once the child has
// been started; failing to do this leaks the descriptor and, for the read
// side, prevents the child from ever seeing EOF when the parent exits.
func (p PipePair) CloseRemote() error {
	return p.Remote.Close()
}

// Close closes both halves; used when spawning fails partway through.
func (p PipePair) Close() {
	_ = p.Local.Close()
	_ = p.Remote.Close()
}
