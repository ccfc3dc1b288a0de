package omero

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MockSession is an in-memory Session used by tests. Containers, images and
// files are registered up front; uploads and links are recorded so tests can
// inspect them.
type MockSession struct {
	mu sync.Mutex

	err        error
	connectErr error

	containers map[Ref]Entity
	children   map[Ref][]Entity
	filesets   map[int64][]OriginalFile
	contents   map[int64][]byte
	readErrs   map[int64]error

	// ChunkSize controls how ReadChunks splits file contents.
	ChunkSize int

	nextID    int64
	reads     map[int64]int
	uploads   map[int64][]byte
	links     []Link
	createErr map[string]error
	closed    bool
}

// Link records a LinkContainers call.
type Link struct {
	Parent Ref
	Child  Ref
}

func NewMockSession() *MockSession {
	return &MockSession{
		containers: make(map[Ref]Entity),
		children:   make(map[Ref][]Entity),
		filesets:   make(map[int64][]OriginalFile),
		contents:   make(map[int64][]byte),
		readErrs:   make(map[int64]error),
		reads:      make(map[int64]int),
		uploads:    make(map[int64][]byte),
		createErr:  make(map[string]error),
		ChunkSize:  4,
		nextID:     1000,
	}
}

// Err sets an error returned by every call.
func (s *MockSession) Err(err error) *MockSession {
	s.err = err
	return s
}

func (s *MockSession) SetConnectError(err error) {
	s.connectErr = err
}

func (s *MockSession) AddProject(id int64, name string) Entity {
	return s.addContainer(Root, Entity{ID: id, Name: name, Kind: KindProject})
}

// AddDataset adds a dataset, linking it into the project when projectID is non zero.
func (s *MockSession) AddDataset(projectID, id int64, name string) Entity {
	parent := Root
	if projectID != 0 {
		parent = ProjectRef(projectID)
	}
	return s.addContainer(parent, Entity{ID: id, Name: name, Kind: KindDataset})
}

func (s *MockSession) addContainer(parent Ref, e Entity) Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.containers[e.Ref()] = e
	if parent.Kind != KindRoot {
		s.children[parent] = append(s.children[parent], e)
	}
	return e
}

// AddImage adds an image to a dataset along with the files of its fileset.
func (s *MockSession) AddImage(datasetID, id int64, name string, files ...OriginalFile) Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entity{ID: id, Name: name, Kind: KindImage}
	s.children[DatasetRef(datasetID)] = append(s.children[DatasetRef(datasetID)], e)
	s.children[Root] = append(s.children[Root], e)
	if len(files) != 0 {
		s.filesets[id] = files
	}
	return e
}

// SetFileContents sets the bytes returned by ReadChunks for a file.
func (s *MockSession) SetFileContents(fileID int64, contents []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[fileID] = contents
}

// FailReadAfter makes ReadChunks on fileID return err after the first chunk.
func (s *MockSession) FailReadAfter(fileID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs[fileID] = err
}

// FailCreate makes CreateFile for name return err.
func (s *MockSession) FailCreate(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr[name] = err
}

// Reads returns how many times ReadChunks was called for fileID.
func (s *MockSession) Reads(fileID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[fileID]
}

func (s *MockSession) TotalReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.reads {
		total += n
	}
	return total
}

// Uploaded returns the bytes of every file created through CreateFile, by id.
func (s *MockSession) Uploaded() map[int64][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	uploads := make(map[int64][]byte, len(s.uploads))
	for id, b := range s.uploads {
		uploads[id] = b
	}
	return uploads
}

func (s *MockSession) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Link(nil), s.links...)
}

func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) Connect(_ context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	return s.err
}

func (s *MockSession) GetContainer(_ context.Context, ref Ref) (*Entity, error) {
	if s.err != nil {
		return nil, s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.containers[ref]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "no such %s", ref)
	}
	return &e, nil
}

func (s *MockSession) ListEntities(_ context.Context, container Ref) ([]Entity, error) {
	if s.err != nil {
		return nil, s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[container]; !ok && container.Kind != KindRoot {
		return nil, errors.Wrapf(ErrNotFound, "no such %s", container)
	}
	return append([]Entity(nil), s.children[container]...), nil
}

func (s *MockSession) GetUnderlyingFiles(_ context.Context, imageID int64) ([]OriginalFile, error) {
	if s.err != nil {
		return nil, s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OriginalFile(nil), s.filesets[imageID]...), nil
}

func (s *MockSession) ReadChunks(_ context.Context, fileID int64, fn func(chunk []byte) error) error {
	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	s.reads[fileID]++
	contents, ok := s.contents[fileID]
	readErr := s.readErrs[fileID]
	chunkSize := s.ChunkSize
	s.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotFound, "no contents for OriginalFile:%d", fileID)
	}

	for offset := 0; offset < len(contents); offset += chunkSize {
		end := offset + chunkSize
		if end > len(contents) {
			end = len(contents)
		}

		if err := fn(contents[offset:end]); err != nil {
			return err
		}

		if readErr != nil {
			return readErr
		}
	}

	return nil
}

func (s *MockSession) CreateFile(_ context.Context, name string, size int64, r io.Reader) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	if int64(len(b)) != size {
		return 0, fmt.Errorf("%s: declared size %d, received %d bytes", name, size, len(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.createErr[name]; err != nil {
		return 0, err
	}

	s.nextID++
	s.uploads[s.nextID] = b
	return s.nextID, nil
}

func (s *MockSession) CreateContainer(_ context.Context, kind Kind, name string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e := Entity{ID: s.nextID, Name: name, Kind: kind}
	s.containers[e.Ref()] = e
	return e.ID, nil
}

func (s *MockSession) LinkContainers(_ context.Context, parent, child Ref) error {
	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[parent]; !ok {
		return errors.Wrapf(ErrNotFound, "no such %s", parent)
	}

	s.links = append(s.links, Link{Parent: parent, Child: child})
	if child.Kind == KindDataset {
		if e, ok := s.containers[child]; ok {
			s.children[parent] = append(s.children[parent], e)
		}
	}
	return nil
}

func (s *MockSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
