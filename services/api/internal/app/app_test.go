package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"bookclub/internal/validator"
	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
	"bookclub/pkg/events"
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
	events  *events.Recorder
}

func newTestApp(t *testing.T) testEnv {
	t.Helper()
	env := testEnv{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore("http://cdn.test/bookclub"),
		events:  &events.Recorder{},
	}
	a, err := New(Config{
		JWTSecret: testSecret,
		Store:     env.store,
		Objects:   env.objects,
		Events:    env.events,
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func bookFields(t *testing.T, isbn string, extra map[string]any) map[string]json.RawMessage {
	t.Helper()
	fields := map[string]any{
		"title":           "The Great Gatsby",
		"author":          "F. Scott Fitzgerald",
		"genre":           "Fiction",
		"description":     "A novel about the Jazz Age.",
		"publicationYear": 1925,
		"totalPages":      180,
		"isbn":            isbn,
	}
	for k, v := range extra {
		fields[k] = v
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", k, err)
		}
		out[k] = raw
	}
	return out
}

func (env testEnv) createBook(t *testing.T, isbn string) domain.Book {
	t.Helper()
	b, err := env.app.CreateBook(context.Background(), bookFields(t, isbn, nil))
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return b
}

func (env testEnv) signUp(t *testing.T, name, email string) (domain.User, string) {
	t.Helper()
	u, token, err := env.app.SignUp(context.Background(), name, email, "secret1")
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return u, token
}

func validationFields(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return verr.Fields
}

func TestSignUpAndLogin(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()

	u, token := env.signUp(t, "Alice", "  Alice@Example.com ")
	if u.Email != "alice@example.com" || token == "" {
		t.Fatalf("unexpected signup result: %+v token=%q", u, token)
	}
	if _, _, err := env.app.SignUp(ctx, "Alice Again", "alice@example.com", "secret1"); !errors.Is(err, domain.ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email, got %v", err)
	}

	exists, err := env.app.CheckUser(ctx, "ALICE@example.com")
	if err != nil || !exists {
		t.Fatalf("check user: exists=%v err=%v", exists, err)
	}

	if _, _, err := env.app.Login(ctx, "alice@example.com", "wrong-pass"); !errors.Is(err, domain.ErrInvalidLogin) {
		t.Fatalf("expected invalid login, got %v", err)
	}
	if _, _, err := env.app.Login(ctx, "nobody@example.com", "secret1"); !errors.Is(err, domain.ErrInvalidLogin) {
		t.Fatalf("expected invalid login for unknown email, got %v", err)
	}
	_, token, err = env.app.Login(ctx, "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	sess, err := env.app.Authenticate(token)
	if err != nil || sess.UserID != u.ID {
		t.Fatalf("authenticate: %+v %v", sess, err)
	}
	if err := env.app.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.Authenticate(token); !errors.Is(err, store.ErrTokenRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	env := newTestApp(t)
	_, _, err := env.app.SignUp(context.Background(), "A", "not-an-email", "123")
	fields := validationFields(t, err)
	for _, key := range []string{"name", "email", "password"} {
		if fields[key] == "" {
			t.Fatalf("expected %s error, got %v", key, fields)
		}
	}
}

func TestCheckOutReturnRoundTrip(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")
	alice, _ := env.signUp(t, "Alice", "alice@example.com")

	out, err := env.app.CheckOut(ctx, b.ID, alice.ID, nil)
	if err != nil {
		t.Fatalf("check out: %v", err)
	}
	if out.Status != domain.StatusCheckedOut || out.CheckedOutBy == nil {
		t.Fatalf("unexpected checked out book: %+v", out)
	}
	if out.CheckedOutBy.Name != "Alice" || out.CheckedOutBy.Email != "alice@example.com" {
		t.Fatalf("holder not populated: %+v", out.CheckedOutBy)
	}
	if want := testNow.Add(domain.DefaultLoanPeriod); out.DueDate == nil || !out.DueDate.Equal(want) {
		t.Fatalf("due date = %v, want %v", out.DueDate, want)
	}

	back, err := env.app.Return(ctx, b.ID, alice.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if back.Status != domain.StatusAvailable || back.CheckedOutBy != nil || back.DueDate != nil || back.CheckedOutDate != nil {
		t.Fatalf("checkout fields not cleared: %+v", back)
	}

	got := env.events.Events()
	if len(got) != 2 || got[0].Type != events.TypeBookCheckedOut || got[1].Type != events.TypeBookReturned {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[0].ID == "" || !got[0].OccurredAt.Equal(testNow) || got[0].UserID != alice.ID {
		t.Fatalf("event metadata not set: %+v", got[0])
	}
}

func TestCheckOutRules(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")
	alice, _ := env.signUp(t, "Alice", "alice@example.com")
	bob, _ := env.signUp(t, "Bob", "bob@example.com")

	past := testNow.Add(-time.Hour)
	if _, err := env.app.CheckOut(ctx, b.ID, alice.ID, &past); validationFields(t, err)["dueDate"] == "" {
		t.Fatalf("expected dueDate error")
	}
	if _, err := env.app.CheckOut(ctx, "not-a-uuid", alice.ID, nil); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected invalid id, got %v", err)
	}
	if _, err := env.app.CheckOut(ctx, b.ID, "5b0f8a4e-0000-4000-8000-000000000000", nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}

	due := testNow.Add(72 * time.Hour)
	if _, err := env.app.CheckOut(ctx, b.ID, alice.ID, &due); err != nil {
		t.Fatalf("check out: %v", err)
	}
	before, _ := env.app.GetBook(ctx, b.ID)
	if _, err := env.app.CheckOut(ctx, b.ID, bob.ID, nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := env.app.Return(ctx, b.ID, bob.ID); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	after, _ := env.app.GetBook(ctx, b.ID)
	if after.CheckedOutBy.ID != alice.ID || !after.DueDate.Equal(*before.DueDate) {
		t.Fatalf("failed operations mutated the book: %+v", after)
	}
	if _, err := env.app.Return(ctx, b.ID, alice.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := env.app.Return(ctx, b.ID, alice.ID); !errors.Is(err, domain.ErrBookNotCheckedOut) {
		t.Fatalf("expected not checked out, got %v", err)
	}
}

func TestAddReviewReplacesPrevious(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")
	alice, _ := env.signUp(t, "Alice", "alice@example.com")
	bob, _ := env.signUp(t, "Bob", "bob@example.com")

	if _, _, err := env.app.AddReview(ctx, b.ID, alice.ID, 4, "Good"); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, _, err := env.app.AddReview(ctx, b.ID, bob.ID, 3, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	got, r, err := env.app.AddReview(ctx, b.ID, alice.ID, 5, "Even better")
	if err != nil {
		t.Fatalf("replace review: %v", err)
	}
	if len(got.Reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(got.Reviews))
	}
	if got.Reviews[1].User.ID != alice.ID || got.Reviews[1].Rating != 5 {
		t.Fatalf("replacement not appended last: %+v", got.Reviews)
	}
	if r.User.Name != "Alice" || r.User.Email != "" {
		t.Fatalf("review user not populated with name only: %+v", r.User)
	}
	if avg := got.AverageRating(); avg != 4 {
		t.Fatalf("average rating = %v, want 4", avg)
	}

	for _, rating := range []float64{0, 6, 3.5} {
		if _, _, err := env.app.AddReview(ctx, b.ID, bob.ID, rating, ""); validationFields(t, err)["rating"] == "" {
			t.Fatalf("expected rating error for %v", rating)
		}
	}
	unchanged, _ := env.app.GetBook(ctx, b.ID)
	if len(unchanged.Reviews) != 2 || unchanged.Reviews[0].Rating != 3 {
		t.Fatalf("invalid reviews mutated the book: %+v", unchanged.Reviews)
	}
}

func TestDeletedUserReferencesStayIDOnly(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")
	alice, token := env.signUp(t, "Alice", "alice@example.com")

	if _, err := env.app.CheckOut(ctx, b.ID, alice.ID, nil); err != nil {
		t.Fatalf("check out: %v", err)
	}
	if _, _, err := env.app.AddReview(ctx, b.ID, alice.ID, 4, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if err := env.app.DeleteAccount(ctx, alice.ID, token); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := env.app.Authenticate(token); err == nil {
		t.Fatalf("expected token revoked after account deletion")
	}
	got, err := env.app.GetBook(ctx, b.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if got.CheckedOutBy == nil || *got.CheckedOutBy != (domain.UserRef{ID: alice.ID}) {
		t.Fatalf("unexpected holder ref: %+v", got.CheckedOutBy)
	}
	if got.Reviews[0].User != (domain.UserRef{ID: alice.ID}) {
		t.Fatalf("unexpected review ref: %+v", got.Reviews[0].User)
	}
	if err := env.app.DeleteAccount(ctx, alice.ID, token); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestDuplicateISBNKeepsFirstBook(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	first := env.createBook(t, "978-0-7432-7356-5")

	dup := bookFields(t, "978-0-7432-7356-5", map[string]any{"title": "Imposter"})
	if _, err := env.app.CreateBook(ctx, dup); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	got, err := env.app.GetBook(ctx, first.ID)
	if err != nil || got.Title != "The Great Gatsby" {
		t.Fatalf("first book changed: %+v %v", got, err)
	}

	other := env.createBook(t, "9780451524935")
	if _, err := env.app.UpdateBookField(ctx, other.ID, "isbn", json.RawMessage(`"978-0-7432-7356-5"`)); !errors.Is(err, domain.ErrDuplicateISBN) {
		t.Fatalf("expected duplicate isbn on update, got %v", err)
	}
}

func TestUpdateBookFields(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")

	got, err := env.app.UpdateBookField(ctx, b.ID, "title", json.RawMessage(`"  Gatsby  "`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Title != "Gatsby" {
		t.Fatalf("title = %q", got.Title)
	}
	if _, err := env.app.UpdateBookField(ctx, b.ID, "language", json.RawMessage(`"French"`)); validationFields(t, err)["field"] == "" {
		t.Fatalf("expected field error")
	}
	_, err = env.app.UpdateBookFields(ctx, b.ID, map[string]json.RawMessage{
		"genre":   json.RawMessage(`"Classic"`),
		"reviews": json.RawMessage(`[]`),
	})
	if validationFields(t, err)["reviews"] == "" {
		t.Fatalf("expected reviews to be rejected")
	}
	unchanged, _ := env.app.GetBook(ctx, b.ID)
	if unchanged.Genre != "Fiction" {
		t.Fatalf("rejected update was partially applied: %q", unchanged.Genre)
	}
	if _, err := env.app.UpdateBookField(ctx, b.ID, "status", json.RawMessage(`"checked_out"`)); !errors.Is(err, domain.ErrCheckoutViaEdit) {
		t.Fatalf("expected checkout via edit refusal, got %v", err)
	}
	got, err = env.app.UpdateBookFields(ctx, b.ID, map[string]json.RawMessage{
		"genre":  json.RawMessage(`"Classic"`),
		"rating": json.RawMessage(`4.5`),
	})
	if err != nil || got.Genre != "Classic" || got.Rating != 4.5 {
		t.Fatalf("put: %+v %v", got, err)
	}
	if _, err := env.app.UpdateBookField(ctx, "5b0f8a4e-0000-4000-8000-000000000000", "title", json.RawMessage(`"x"`)); !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAndSearchBooks(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	env.createBook(t, "9780743273565")
	if _, err := env.app.CreateBook(ctx, bookFields(t, "9780451524935", map[string]any{"title": "1984", "author": "George Orwell", "genre": "Dystopian"})); err != nil {
		t.Fatalf("create: %v", err)
	}

	q, err := catalog.ParseSearchQuery("gats", url.Values{})
	if err != nil {
		t.Fatalf("parse search: %v", err)
	}
	page, err := env.app.SearchBooks(ctx, q)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Books) != 1 || page.Books[0].Title != "The Great Gatsby" {
		t.Fatalf("unexpected search result: %+v", page.Books)
	}

	q, err = catalog.ParseListQuery(url.Values{"limit": {"1"}, "sortBy": {"title"}, "sortOrder": {"asc"}})
	if err != nil {
		t.Fatalf("parse list: %v", err)
	}
	page, err = env.app.ListBooks(ctx, q)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Books) != 1 || page.Books[0].Title != "1984" {
		t.Fatalf("unexpected first page: %+v", page.Books)
	}
	if page.Pagination.TotalItems != 2 || page.Pagination.TotalPages != 2 || !page.Pagination.HasNextPage {
		t.Fatalf("unexpected pagination: %+v", page.Pagination)
	}
}

func TestReadingList(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	first := env.createBook(t, "9780743273565")
	second := env.createBook(t, "9780451524935")
	alice, _ := env.signUp(t, "Alice", "alice@example.com")

	if _, err := env.app.CheckOut(ctx, first.ID, alice.ID, nil); err != nil {
		t.Fatalf("check out: %v", err)
	}
	env.app.now = func() time.Time { return testNow.Add(time.Hour) }
	if _, err := env.app.CheckOut(ctx, second.ID, alice.ID, nil); err != nil {
		t.Fatalf("check out: %v", err)
	}
	books, err := env.app.ReadingList(ctx, alice.ID)
	if err != nil {
		t.Fatalf("reading list: %v", err)
	}
	if len(books) != 2 || books[0].ID != second.ID || books[1].ID != first.ID {
		t.Fatalf("reading list not newest first: %+v", books)
	}
	if books[0].CheckedOutBy.Name != "Alice" {
		t.Fatalf("holder not populated: %+v", books[0].CheckedOutBy)
	}
	if _, err := env.app.ReadingList(ctx, "5b0f8a4e-0000-4000-8000-000000000000"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestUploadCoverAndDeleteBook(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")

	if _, err := env.app.UploadCover(ctx, b.ID, "cover.exe", strings.NewReader("MZ"), 2, ""); validationFields(t, err)["cover"] == "" {
		t.Fatalf("expected extension error")
	}
	got, err := env.app.UploadCover(ctx, b.ID, "Cover.PNG", strings.NewReader("png-bytes"), 9, "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	prefix := "http://cdn.test/bookclub/covers/" + b.ID + "/"
	if !strings.HasPrefix(got.CoverImage, prefix) || !strings.HasSuffix(got.CoverImage, ".png") {
		t.Fatalf("unexpected cover url %q", got.CoverImage)
	}
	if env.objects.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", env.objects.Len())
	}
	obj, ok := env.objects.Get(strings.TrimPrefix(got.CoverImage, "http://cdn.test/bookclub/"))
	if !ok || string(obj.Data) != "png-bytes" || obj.ContentType != "image/png" {
		t.Fatalf("unexpected stored object: %+v ok=%v", obj, ok)
	}

	if err := env.app.DeleteBook(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if env.objects.Len() != 0 {
		t.Fatalf("cover images not removed")
	}
	if _, err := env.app.GetBook(ctx, b.ID); !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.app.DeleteBook(ctx, b.ID); !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	evs := env.events.Events()
	if len(evs) != 1 || evs[0].Type != events.TypeBookDeleted {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestUploadCoverReplacesPreviousObject(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")

	first, err := env.app.UploadCover(ctx, b.ID, "a.png", strings.NewReader("one"), 3, "image/png")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := env.app.UploadCover(ctx, b.ID, "b.jpg", strings.NewReader("two"), 3, "image/jpeg")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if env.objects.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", env.objects.Len())
	}
	if _, ok := env.objects.Get(strings.TrimPrefix(first.CoverImage, "http://cdn.test/bookclub/")); ok {
		t.Fatalf("replaced cover %q still stored", first.CoverImage)
	}
	if _, ok := env.objects.Get(strings.TrimPrefix(second.CoverImage, "http://cdn.test/bookclub/")); !ok {
		t.Fatalf("current cover %q missing", second.CoverImage)
	}
}

func TestUploadCoverKeepsExternalCover(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b, err := env.app.CreateBook(ctx, bookFields(t, "9780743273565", map[string]any{
		"coverImage": "https://images.example.com/gatsby.png",
	}))
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := env.app.UploadCover(ctx, b.ID, "a.png", strings.NewReader("one"), 3, "image/png"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if env.objects.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", env.objects.Len())
	}
}

// racingObjects deletes the book right after the cover is stored.
type racingObjects struct {
	*storage.MemoryStore
	onPut func()
}

func (r racingObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := r.MemoryStore.Put(ctx, key, body, size, contentType); err != nil {
		return err
	}
	r.onPut()
	return nil
}

func TestUploadCoverRemovesObjectWhenBookVanishes(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")

	objects := racingObjects{MemoryStore: env.objects, onPut: func() {
		if _, err := env.store.DeleteBook(ctx, b.ID); err != nil {
			t.Fatalf("delete book: %v", err)
		}
	}}
	env.app.objects = objects

	_, err := env.app.UploadCover(ctx, b.ID, "a.png", strings.NewReader("one"), 3, "image/png")
	if !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if env.objects.Len() != 0 {
		t.Fatalf("orphaned cover left behind: %d objects", env.objects.Len())
	}
}

func TestUploadCoverSizeLimit(t *testing.T) {
	env := newTestApp(t)
	env.app.coverMaxBytes = 4
	b := env.createBook(t, "9780743273565")
	_, err := env.app.UploadCover(context.Background(), b.ID, "c.jpg", strings.NewReader("12345"), 5, "image/jpeg")
	if validationFields(t, err)["cover"] == "" {
		t.Fatalf("expected size error")
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestApp(t)
	env.events.Err = errors.New("broker down")
	ctx := context.Background()
	b := env.createBook(t, "9780743273565")
	alice, _ := env.signUp(t, "Alice", "alice@example.com")
	if _, err := env.app.CheckOut(ctx, b.ID, alice.ID, nil); err != nil {
		t.Fatalf("check out with failing broker: %v", err)
	}
}

func TestProfileUpdateAndPasswordChange(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	alice, token := env.signUp(t, "Alice", "alice@example.com")
	env.signUp(t, "Bob", "bob@example.com")

	taken := "BOB@example.com"
	if _, err := env.app.UpdateProfile(ctx, alice.ID, ProfileUpdate{Email: &taken}); !errors.Is(err, domain.ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
	name := "Alicia"
	same := "alice@example.com"
	u, err := env.app.UpdateProfile(ctx, alice.ID, ProfileUpdate{Name: &name, Email: &same})
	if err != nil || u.Name != "Alicia" {
		t.Fatalf("update profile: %+v %v", u, err)
	}

	if err := env.app.ChangePassword(ctx, alice.ID, "wrong", "newsecret"); !errors.Is(err, domain.ErrWrongPassword) {
		t.Fatalf("expected wrong password, got %v", err)
	}
	if err := env.app.ChangePassword(ctx, alice.ID, "secret1", "123"); validationFields(t, err)["newPassword"] == "" {
		t.Fatalf("expected newPassword error")
	}
	if err := env.app.ChangePassword(ctx, alice.ID, "secret1", "newsecret1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, _, err := env.app.Login(ctx, "alice@example.com", "newsecret1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := env.app.Authenticate(token); err != nil {
		t.Fatalf("existing token should survive password change: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestApp(t)
	h := env.app.Health(context.Background())
	if !h.Healthy() || h.Database["store"] != "connected" {
		t.Fatalf("unexpected health: %+v", h)
	}
	if _, ok := h.Database["redis"]; ok {
		t.Fatalf("redis reported without a redis client")
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(Config{StorageDriver: "sqlite", JWTSecret: testSecret}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := New(Config{StorageDriver: StorageDriverMemory}); err == nil {
		t.Fatalf("expected missing jwt secret error")
	}
}

func TestCheckPasswordMessages(t *testing.T) {
	cases := []struct {
		field, password, want string
	}{
		{"password", "12345", "Password must be at least 6 characters long"},
		{"newPassword", "12345", "New password must be at least 6 characters long"},
		{"password", strings.Repeat("x", 73), "Password cannot exceed 72 bytes"},
		{"newPassword", strings.Repeat("x", 73), "New password cannot exceed 72 bytes"},
		{"password", "secret", ""},
	}
	for _, tc := range cases {
		v := validator.New()
		checkPassword(v, tc.field, tc.password)
		if got := v.Errors[tc.field]; got != tc.want {
			t.Fatalf("checkPassword(%q, %d chars) = %q, want %q", tc.field, len(tc.password), got, tc.want)
		}
	}
}
