package docker

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
)

// Session is an in-progress blob upload. Its bytes live in a temp file owned
// by the UploadSessions that created it.
type Session struct {
	UUID         string
	RepositoryID string
	ImageName    string
	CreatedAt    time.Time

	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
}

func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// UploadSessions owns the upload sessions of this process. Sessions are not
// shared between instances.
type UploadSessions struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*Session
	now      func() time.Time
}

// NewUploadSessions keeps temp files under dir; empty means os.TempDir.
func NewUploadSessions(dir string) *UploadSessions {
	return &UploadSessions{dir: dir, sessions: make(map[string]*Session), now: time.Now}
}

func sessionNotFound(id string) error {
	return fmt.Errorf("%w: %s", common.ErrSessionNotFound, id)
}

func (u *UploadSessions) Create(repositoryID, image string) (*Session, error) {
	if u.dir != "" {
		if err := os.MkdirAll(u.dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.CreateTemp(u.dir, "pkgkeeper-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload sink: %w", err)
	}

	s := &Session{
		UUID:         uuid.NewString(),
		RepositoryID: repositoryID,
		ImageName:    image,
		CreatedAt:    u.now(),
		path:         f.Name(),
		file:         f,
	}

	u.mu.Lock()
	u.sessions[s.UUID] = s
	u.mu.Unlock()

	metrics.UploadSessionOpened()
	return s, nil
}

func (u *UploadSessions) Get(id string) (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return s, nil
}

// Append writes r to the session's sink. A non-negative offset must equal
// the bytes received so far. It returns the new total.
func (u *UploadSessions) Append(id string, offset int64, r io.Reader) (int64, error) {
	s, err := u.Get(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, sessionNotFound(id)
	}
	if offset >= 0 && offset != s.written {
		return s.written, common.InvalidInput(fmt.Sprintf("upload offset %d does not match %d bytes received", offset, s.written))
	}
	n, err := io.Copy(s.file, r)
	s.written += n
	if err != nil {
		return s.written, fmt.Errorf("append to upload %s: %w", id, err)
	}
	return s.written, nil
}

// open returns a fresh reader over everything received so far.
func (s *Session) open() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, sessionNotFound(s.UUID)
	}
	if err := s.file.Sync(); err != nil {
		return nil, err
	}
	return os.Open(s.path)
}

// Remove destroys the session and its temp file. Unknown ids are ignored.
func (u *UploadSessions) Remove(id string) {
	u.mu.Lock()
	s, ok := u.sessions[id]
	delete(u.sessions, id)
	u.mu.Unlock()

	if ok {
		s.destroy()
	}
}

func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	_ = s.file.Close()
	_ = os.Remove(s.path)
	s.file = nil
	metrics.UploadSessionClosed()
}

// Expire destroys sessions created before cutoff and returns how many.
func (u *UploadSessions) Expire(cutoff time.Time) int {
	u.mu.Lock()
	var stale []*Session
	for id, s := range u.sessions {
		if s.CreatedAt.Before(cutoff) {
			stale = append(stale, s)
			delete(u.sessions, id)
		}
	}
	u.mu.Unlock()

	for _, s := range stale {
		s.destroy()
	}
	return len(stale)
}

func (u *UploadSessions) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// Close destroys every session.
func (u *UploadSessions) Close() {
	u.mu.Lock()
	all := u.sessions
	u.sessions = make(map[string]*Session)
	u.mu.Unlock()

	for _, s := range all {
		s.destroy()
	}
}
