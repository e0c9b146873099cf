package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
)

// MemoryStore keeps users and books in-process. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.Book
	isbn   map[string]string // isbn -> book ID
	orders []string
	users  map[string]domain.User // key: user ID
	email  map[string]string      // email -> user ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]domain.Book),
		isbn:  make(map[string]string),
		users: make(map[string]domain.User),
		email: make(map[string]string),
	}
}

// CreateUser registers a user.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.email[u.Email]; taken {
		return domain.ErrDuplicateEmail
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// UpdateUser replaces a user record, keeping the email index in sync.
func (m *MemoryStore) UpdateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.users[u.ID]
	if !ok {
		return nil
	}
	if owner, taken := m.email[u.Email]; taken && owner != u.ID {
		return domain.ErrEmailTaken
	}
	delete(m.email, prev.Email)
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail returns user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUsersByIDs returns the users that still exist, keyed by ID.
func (m *MemoryStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// DeleteUser removes a user. Book references are left as they are.
func (m *MemoryStore) DeleteUser(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, nil
	}
	delete(m.users, id)
	delete(m.email, u.Email)
	return true, nil
}

// CreateBook stores a new book and tracks insertion order.
func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.isbn[b.ISBN]; taken {
		return domain.ErrDuplicateISBN
	}
	b.Version = 0
	m.books[b.ID] = cloneBook(b)
	m.isbn[b.ISBN] = b.ID
	m.orders = append(m.orders, b.ID)
	return nil
}

// UpdateBook replaces a book if its version still matches.
func (m *MemoryStore) UpdateBook(_ context.Context, b domain.Book) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.books[b.ID]
	if !ok || cur.Version != b.Version {
		return false, nil
	}
	if owner, taken := m.isbn[b.ISBN]; taken && owner != b.ID {
		return false, domain.ErrDuplicateISBN
	}
	delete(m.isbn, cur.ISBN)
	next := cloneBook(b)
	next.Reviews = cur.Reviews
	next.Version = cur.Version + 1
	m.books[b.ID] = next
	m.isbn[b.ISBN] = b.ID
	return true, nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// FindBooks evaluates the catalog query in memory.
func (m *MemoryStore) FindBooks(_ context.Context, q catalog.Query) ([]domain.Book, int, error) {
	m.mu.RLock()
	all := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok {
			all = append(all, cloneBook(b))
		}
	}
	m.mu.RUnlock()
	page, total := q.Apply(all)
	return page, total, nil
}

// ListBooksCheckedOutBy returns the user's loans, most recent first.
func (m *MemoryStore) ListBooksCheckedOutBy(_ context.Context, userID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0)
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok && b.Status == domain.StatusCheckedOut && b.HeldBy(userID) {
			res = append(res, cloneBook(b))
		}
	}
	slices.SortStableFunc(res, func(a, b domain.Book) int {
		if c := compareTimes(b.CheckedOutDate, a.CheckedOutDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

// DeleteBook removes a book and its reviews.
func (m *MemoryStore) DeleteBook(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return false, nil
	}
	delete(m.books, id)
	delete(m.isbn, b.ISBN)
	m.orders = slices.DeleteFunc(m.orders, func(item string) bool { return item == id })
	return true, nil
}

// CheckOutBook claims the book if it is still available.
func (m *MemoryStore) CheckOutBook(_ context.Context, id, userID string, at, due time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return false, nil
	}
	if err := b.CheckOut(userID, &due, at); err != nil {
		return false, nil
	}
	b.Version++
	m.books[id] = b
	return true, nil
}

// ReturnBook releases the book if userID holds it.
func (m *MemoryStore) ReturnBook(_ context.Context, id, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return false, nil
	}
	if err := b.Return(userID, at); err != nil {
		return false, nil
	}
	b.Version++
	m.books[id] = b
	return true, nil
}

// UpsertReview replaces the reviewer's previous review on the book.
func (m *MemoryStore) UpsertReview(_ context.Context, bookID string, r domain.Review) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return false, nil
	}
	b = cloneBook(b)
	b.AddReview(r)
	b.Version++
	m.books[bookID] = b
	return true, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func cloneBook(b domain.Book) domain.Book {
	b.Tags = slices.Clone(b.Tags)
	b.Reviews = slices.Clone(b.Reviews)
	if b.CheckedOutBy != nil {
		ref := *b.CheckedOutBy
		b.CheckedOutBy = &ref
	}
	if b.CheckedOutDate != nil {
		t := *b.CheckedOutDate
		b.CheckedOutDate = &t
	}
	if b.DueDate != nil {
		t := *b.DueDate
		b.DueDate = &t
	}
	return b
}

func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
