package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bookclub/pkg/catalog"
	"bookclub/pkg/domain"
)

const migrateLockID int64 = 20250307

type GormStoreOptions struct {
	AutoMigrate bool
}

type GormStoreOption func(*GormStoreOptions)

// WithAutoMigrate toggles schema migration on open. Enabled by default.
func WithAutoMigrate(enabled bool) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.AutoMigrate = enabled
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{AutoMigrate: true}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the schema under a Postgres advisory lock so
// concurrent replicas do not race.
func Migrate(db *gorm.DB) error {
	return withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &ReviewModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser inserts a new user. The unique email index backs up the
// explicit existence check done at signup.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// UpdateUser writes profile and credential fields.
func (s *GormStore) UpdateUser(ctx context.Context, u domain.User) error {
	err := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", u.ID).
		Updates(map[string]any{
			"name":          u.Name,
			"email":         u.Email,
			"password_hash": u.PasswordHash,
			"updated_at":    u.UpdatedAt,
		}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrEmailTaken
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the users that still exist, keyed by ID.
func (s *GormStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.ID] = userFromModel(m)
	}
	return out, nil
}

// DeleteUser removes the user row only. Books keep their references.
func (s *GormStore) DeleteUser(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateBook inserts a book without reviews.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	model.Reviews = nil
	if err := s.db.WithContext(ctx).Omit("Reviews").Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateISBN
		}
		return err
	}
	return nil
}

// UpdateBook writes every mutable column when the version matches, and
// bumps the version.
func (s *GormStore) UpdateBook(ctx context.Context, b domain.Book) (bool, error) {
	model := bookToModel(b)
	res := s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]any{
			"title":            model.Title,
			"author":           model.Author,
			"genre":            model.Genre,
			"publication_year": model.PublicationYear,
			"description":      model.Description,
			"status":           model.Status,
			"rating":           model.Rating,
			"total_pages":      model.TotalPages,
			"isbn":             model.ISBN,
			"cover_image":      model.CoverImage,
			"language":         model.Language,
			"publisher":        model.Publisher,
			"tags":             model.Tags,
			"checked_out_by":   model.CheckedOutBy,
			"checked_out_date": model.CheckedOutDate,
			"due_date":         model.DueDate,
			"updated_at":       model.UpdatedAt,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, domain.ErrDuplicateISBN
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetBook retrieves a book with its reviews in insertion order.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	err := s.db.WithContext(ctx).
		Preload("Reviews", orderReviews).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// FindBooks runs the catalog page query and its count concurrently.
func (s *GormStore) FindBooks(ctx context.Context, q catalog.Query) ([]domain.Book, int, error) {
	selectSQL, countSQL, err := q.SQL(BookModel{}.TableName())
	if err != nil {
		return nil, 0, err
	}
	var (
		models []BookModel
		total  int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.db.WithContext(gctx).Raw(selectSQL).Scan(&models).Error; err != nil {
			return fmt.Errorf("select books: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.db.WithContext(gctx).Raw(countSQL).Scan(&total).Error; err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	books, err := s.attachReviews(ctx, models)
	if err != nil {
		return nil, 0, err
	}
	return books, int(total), nil
}

// ListBooksCheckedOutBy returns the user's loans, most recent first.
func (s *GormStore) ListBooksCheckedOutBy(ctx context.Context, userID string) ([]domain.Book, error) {
	var models []BookModel
	err := s.db.WithContext(ctx).
		Preload("Reviews", orderReviews).
		Where("checked_out_by = ? AND status = ?", userID, string(domain.StatusCheckedOut)).
		Order("checked_out_date DESC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

// DeleteBook removes the book and its reviews.
func (s *GormStore) DeleteBook(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ReviewModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// CheckOutBook claims an available book in a single conditional UPDATE.
func (s *GormStore) CheckOutBook(ctx context.Context, id, userID string, at, due time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusAvailable)).
		Updates(map[string]any{
			"status":           string(domain.StatusCheckedOut),
			"checked_out_by":   userID,
			"checked_out_date": at.UTC(),
			"due_date":         due.UTC(),
			"updated_at":       at.UTC(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReturnBook releases a book held by userID in a single conditional UPDATE.
func (s *GormStore) ReturnBook(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ? AND status = ? AND checked_out_by = ?", id, string(domain.StatusCheckedOut), userID).
		Updates(map[string]any{
			"status":           string(domain.StatusAvailable),
			"checked_out_by":   nil,
			"checked_out_date": nil,
			"due_date":         nil,
			"updated_at":       at.UTC(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpsertReview replaces the reviewer's previous review on the book. The
// book row update serializes concurrent reviews of the same book.
func (s *GormStore) UpsertReview(ctx context.Context, bookID string, r domain.Review) (bool, error) {
	var found bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookModel{}).
			Where("id = ?", bookID).
			Updates(map[string]any{
				"updated_at": r.ReviewDate.UTC(),
				"version":    gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		found = true
		if err := tx.Delete(&ReviewModel{}, "book_id = ? AND user_id = ?", bookID, r.User.ID).Error; err != nil {
			return err
		}
		model := reviewToModel(bookID, r)
		return tx.Create(&model).Error
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orderReviews(db *gorm.DB) *gorm.DB {
	return db.Order("review_date ASC").Order("id ASC")
}

func (s *GormStore) attachReviews(ctx context.Context, models []BookModel) ([]domain.Book, error) {
	books := make([]domain.Book, 0, len(models))
	if len(models) == 0 {
		return books, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var reviews []ReviewModel
	if err := orderReviews(s.db.WithContext(ctx)).Where("book_id IN ?", ids).Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("load reviews: %w", err)
	}
	byBook := make(map[string][]ReviewModel, len(models))
	for _, r := range reviews {
		byBook[r.BookID] = append(byBook[r.BookID], r)
	}
	for _, m := range models {
		m.Reviews = byBook[m.ID]
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	tags, _ := json.Marshal(b.Tags)
	if b.Tags == nil {
		tags = []byte("[]")
	}
	var holder *string
	if b.CheckedOutBy != nil {
		id := b.CheckedOutBy.ID
		holder = &id
	}
	reviews := make([]ReviewModel, 0, len(b.Reviews))
	for _, r := range b.Reviews {
		reviews = append(reviews, reviewToModel(b.ID, r))
	}
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		Genre:           b.Genre,
		PublicationYear: b.PublicationYear,
		Description:     b.Description,
		Status:          string(b.Status),
		Rating:          b.Rating,
		TotalPages:      b.TotalPages,
		ISBN:            b.ISBN,
		CoverImage:      b.CoverImage,
		Language:        b.Language,
		Publisher:       b.Publisher,
		Tags:            tags,
		CheckedOutBy:    holder,
		CheckedOutDate:  utcPtr(b.CheckedOutDate),
		DueDate:         utcPtr(b.DueDate),
		Version:         b.Version,
		CreatedAt:       b.CreatedAt.UTC(),
		UpdatedAt:       b.UpdatedAt.UTC(),
		Reviews:         reviews,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	var holder *domain.UserRef
	if m.CheckedOutBy != nil {
		holder = &domain.UserRef{ID: *m.CheckedOutBy}
	}
	reviews := make([]domain.Review, 0, len(m.Reviews))
	for _, r := range m.Reviews {
		reviews = append(reviews, reviewFromModel(r))
	}
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		Genre:           m.Genre,
		PublicationYear: m.PublicationYear,
		Description:     m.Description,
		Status:          domain.BookStatus(m.Status),
		Rating:          m.Rating,
		TotalPages:      m.TotalPages,
		ISBN:            m.ISBN,
		CoverImage:      m.CoverImage,
		Language:        m.Language,
		Publisher:       m.Publisher,
		Tags:            tags,
		CheckedOutBy:    holder,
		CheckedOutDate:  m.CheckedOutDate,
		DueDate:         m.DueDate,
		Reviews:         reviews,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func reviewToModel(bookID string, r domain.Review) ReviewModel {
	return ReviewModel{
		ID:         r.ID,
		BookID:     bookID,
		UserID:     r.User.ID,
		Rating:     r.Rating,
		Comment:    r.Comment,
		ReviewDate: r.ReviewDate.UTC(),
	}
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{
		ID:         m.ID,
		User:       domain.UserRef{ID: m.UserID},
		Rating:     m.Rating,
		Comment:    m.Comment,
		ReviewDate: m.ReviewDate,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
