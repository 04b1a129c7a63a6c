package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const filePerm = 0o600

var (
	ErrRead  = errors.New("unable to read identity file")
	ErrWrite = errors.New("unable to write identity file")
)

type document struct {
	Username string `yaml:"username"`
}

// Store keeps the cached identity in a small YAML file so it survives
// restarts of the client.
type Store struct {
	mx   *sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{
		mx:   &sync.Mutex{},
		path: path,
	}
}

func (s *Store) Get(_ context.Context) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Join(ErrRead, err)
	}
	var doc document
	if err = yaml.Unmarshal(b, &doc); err != nil {
		return "", errors.Join(ErrRead, err)
	}
	return doc.Username, nil
}

func (s *Store) Set(_ context.Context, username string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	b, err := yaml.Marshal(&document{Username: username})
	if err != nil {
		return errors.Join(ErrWrite, err)
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Join(ErrWrite, err)
	}

	// write to a sibling file first so a crash never leaves a torn document
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Join(ErrWrite, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Join(ErrWrite, err)
	}
	if err = tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return errors.Join(ErrWrite, err)
	}
	if err = tmp.Close(); err != nil {
		return errors.Join(ErrWrite, err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Join(ErrWrite, err)
	}
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Join(ErrWrite, err)
	}
	return nil
}
