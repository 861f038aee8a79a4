// Package checkpoint persists training state as an xz-compressed gob stream.
// Saves go through a temporary file in the destination directory followed by
// a rename, so a reader never observes a partially written checkpoint.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"clothseg/internal/optim"
)

// Version identifies the on-disk layout.
const Version = "clothseg.ckpt.v1"

// Checkpoint is everything needed to resume training.
type Checkpoint struct {
	Version   string
	Model     map[string][]float64
	Optimizer optim.AdamState
	Scheduler optim.StepLRState
	// Epoch is the number of completed epochs.
	Epoch int
}

// Save writes ckpt to path, replacing any previous file only once the new one is complete.
func Save(path string, ckpt *Checkpoint) (err error) {
	if ckpt.Version == "" {
		ckpt.Version = Version
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = encode(tmp, ckpt); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

func encode(w io.Writer, ckpt *Checkpoint) error {
	bw := bufio.NewWriter(w)
	zw, err := xz.NewWriter(bw)
	if err != nil {
		return errors.Wrap(err, "xz writer")
	}
	if err := gob.NewEncoder(zw).Encode(ckpt); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "flush xz stream")
	}
	return errors.Wrap(bw.Flush(), "flush checkpoint")
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	zr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	var ckpt Checkpoint
	if err := gob.NewDecoder(zr).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if ckpt.Version != Version {
		return nil, errors.Errorf("checkpoint %s: unsupported version %q", path, ckpt.Version)
	}
	return &ckpt, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
