package testutil

import (
	"context"
	"sync"

	"github.com/chameleoncloud/portalsync/internal/tas"
)

// FakeTAS is an in-memory TAS source. Fields may be changed between runs;
// Calls counts invocations per method name.
//
// Thread-safety: methods are safe for concurrent use via internal mutex.
type FakeTAS struct {
	mu sync.Mutex

	Projects        []tas.Record
	Users           map[int64]tas.User
	Members         map[int64][]tas.User
	FieldTree       []tas.Field
	InstitutionList []tas.Institution

	// Errs makes the named method fail with the given error.
	Errs map[string]error

	calls map[string]int
}

// NewFakeTAS returns an empty fake.
func NewFakeTAS() *FakeTAS {
	return &FakeTAS{
		Users:   make(map[int64]tas.User),
		Members: make(map[int64][]tas.User),
		Errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Calls returns how often method was called.
func (f *FakeTAS) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeTAS) enter(method string) error {
	f.calls[method]++
	return f.Errs[method]
}

func (f *FakeTAS) ProjectsForGroup(_ context.Context, _ string) ([]tas.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ProjectsForGroup"); err != nil {
		return nil, err
	}
	return append([]tas.Record{}, f.Projects...), nil
}

func (f *FakeTAS) GetUser(_ context.Context, id int64) (tas.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetUser"); err != nil {
		return tas.User{}, err
	}
	u, ok := f.Users[id]
	if !ok {
		return tas.User{}, tas.ErrNotFound
	}
	return u, nil
}

func (f *FakeTAS) GetUserByUsername(_ context.Context, username string) (tas.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetUserByUsername"); err != nil {
		return tas.User{}, err
	}
	for _, u := range f.Users {
		if u.Username == username {
			return u, nil
		}
	}
	return tas.User{}, tas.ErrNotFound
}

func (f *FakeTAS) ProjectUsers(_ context.Context, projectID int64) ([]tas.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ProjectUsers"); err != nil {
		return nil, err
	}
	return append([]tas.User{}, f.Members[projectID]...), nil
}

func (f *FakeTAS) Fields(_ context.Context) ([]tas.Field, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Fields"); err != nil {
		return nil, err
	}
	return append([]tas.Field{}, f.FieldTree...), nil
}

func (f *FakeTAS) Institutions(_ context.Context) ([]tas.Institution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Institutions"); err != nil {
		return nil, err
	}
	return append([]tas.Institution{}, f.InstitutionList...), nil
}
