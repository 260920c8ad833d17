package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

const (
	// write conflict inside a multi-document transaction
	mongoWriteConflict = 112

	accountNumberIndex = "number_1"
)

// for handling MongoDB operations. Requires a replica set, since scopes are
// multi-document transactions.
type MongoDB struct {
	client       *mongo.Client
	accounts     *mongo.Collection
	transactions *mongo.Collection
	log          *zap.Logger
}

type accountDoc struct {
	ID        string               `bson:"_id"`
	Number    string               `bson:"number"`
	UserID    string               `bson:"user_id,omitempty"`
	Type      models.AccountType   `bson:"type"`
	Balance   primitive.Decimal128 `bson:"balance"`
	Version   int64                `bson:"version"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type transactionDoc struct {
	ID                   string                   `bson:"_id"`
	Reference            string                   `bson:"reference"`
	Type                 models.TransactionType   `bson:"type"`
	Amount               primitive.Decimal128     `bson:"amount"`
	Status               models.TransactionStatus `bson:"status"`
	SourceAccountID      string                   `bson:"source_account_id,omitempty"`
	DestinationAccountID string                   `bson:"destination_account_id,omitempty"`
	UserID               string                   `bson:"user_id"`
	Description          string                   `bson:"description"`
	Metadata             models.Metadata          `bson:"metadata,omitempty"`
	CreatedAt            time.Time                `bson:"created_at"`
}

// creates a new MongoDB instance
func NewMongoDB(uri, dbName string, log *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongodb: %w", err)
	}

	// pinging the database
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping Mongodb: %w", err)
	}

	database := client.Database(dbName)
	m := &MongoDB{
		client:       client,
		accounts:     database.Collection("accounts"),
		transactions: database.Collection("transactions"),
		log:          log,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	_, err := m.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create account indexes: %w", err)
	}

	_, err = m.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "source_account_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "destination_account_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}

// closes the mongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Balance.IsNegative() {
		return models.Validation("initial balance cannot be negative")
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	doc, err := toAccountDoc(account)
	if err != nil {
		return models.StorageFailure(err)
	}
	if _, err := m.accounts.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert account: %w", classifyMongo(err))
	}
	return nil
}

func (m *MongoDB) findAccount(ctx context.Context, filter bson.M) (*models.Account, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NotFound("account not found")
		}
		return nil, classifyMongo(err)
	}
	return doc.toModel()
}

func (m *MongoDB) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return m.findAccount(ctx, bson.M{"_id": id.String()})
}

func (m *MongoDB) FindByNumber(ctx context.Context, number string) (*models.Account, error) {
	return m.findAccount(ctx, bson.M{"number": number})
}

func (m *MongoDB) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "number", Value: 1}})
	cursor, err := m.accounts.Find(ctx, bson.M{"user_id": userID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts: %w", classifyMongo(err))
	}
	defer cursor.Close(ctx)

	var docs []accountDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", classifyMongo(err))
	}
	accounts := make([]*models.Account, 0, len(docs))
	for i := range docs {
		acc, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (m *MongoDB) NumberExists(ctx context.Context, number string) (bool, error) {
	n, err := m.accounts.CountDocuments(ctx, bson.M{"number": number}, options.Count().SetLimit(1))
	if err != nil {
		return false, classifyMongo(err)
	}
	return n > 0, nil
}

// WithScope runs fn inside a snapshot transaction. Every involved account is
// written first, in id order, so a concurrent scope on the same account
// conflicts at that point instead of after it has read stale balances.
func (m *MongoDB) WithScope(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context, scope Scope) error) error {
	ids := SortedIDs(accountIDs)

	sess, err := m.client.StartSession()
	if err != nil {
		return classifyMongo(fmt.Errorf("failed to start session: %w", err))
	}
	defer sess.EndSession(context.Background())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		txOpts := options.Transaction().
			SetReadConcern(readconcern.Snapshot()).
			SetWriteConcern(writeconcern.Majority())
		if err := sess.StartTransaction(txOpts); err != nil {
			return classifyMongo(err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			if err := sess.AbortTransaction(context.Background()); err != nil {
				m.log.Debug("abort transaction", zap.Error(err))
			}
		}()

		for _, id := range ids {
			res, err := m.accounts.UpdateOne(sc, bson.M{"_id": id.String()}, bson.M{"$inc": bson.M{"version": 1}})
			if err != nil {
				return classifyMongo(err)
			}
			if res.MatchedCount == 0 {
				return models.NotFound("account not found")
			}
		}

		locked := make(map[uuid.UUID]struct{}, len(ids))
		for _, id := range ids {
			locked[id] = struct{}{}
		}
		if err := fn(sc, &mongoScope{store: m, locked: locked}); err != nil {
			return err
		}

		if err := sess.CommitTransaction(sc); err != nil {
			return classifyMongo(fmt.Errorf("failed to commit transaction: %w", err))
		}
		committed = true
		return nil
	})
}

type mongoScope struct {
	store  *MongoDB
	locked map[uuid.UUID]struct{}
}

// ApplyDelta uses a guarded $inc so the balance check and the write are one
// atomic step on the document.
func (s *mongoScope) ApplyDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*models.Account, error) {
	if _, ok := s.locked[accountID]; !ok {
		return nil, models.StorageFailure(fmt.Errorf("account %s is not locked by this scope", accountID))
	}

	inc, err := toDecimal128(delta)
	if err != nil {
		return nil, models.StorageFailure(err)
	}
	filter := bson.M{"_id": accountID.String()}
	if delta.IsNegative() {
		need, err := toDecimal128(delta.Neg())
		if err != nil {
			return nil, models.StorageFailure(err)
		}
		filter["balance"] = bson.M{"$gte": need}
	}
	update := bson.M{
		"$inc": bson.M{"balance": inc},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	var doc accountDoc
	err = s.store.accounts.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, findErr := s.store.findAccount(ctx, bson.M{"_id": accountID.String()})
		if findErr != nil {
			return nil, findErr
		}
		return nil, models.InsufficientFunds(current.Balance)
	}
	if err != nil {
		return nil, classifyMongo(err)
	}
	return doc.toModel()
}

func (s *mongoScope) Append(ctx context.Context, t *models.Transaction) (string, error) {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return "", models.StorageFailure(err)
	}
	doc := transactionDoc{
		ID:          t.ID.String(),
		Reference:   t.Reference,
		Type:        t.Type(),
		Amount:      amount,
		Status:      t.Status,
		UserID:      t.UserID.String(),
		Description: t.Description,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
	}
	if id, ok := t.Route.Source(); ok {
		doc.SourceAccountID = id.String()
	}
	if id, ok := t.Route.Destination(); ok {
		doc.DestinationAccountID = id.String()
	}

	if _, err := s.store.transactions.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert transaction: %w", classifyMongo(err))
	}
	return t.Reference, nil
}

func (m *MongoDB) GetTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	var doc transactionDoc
	err := m.transactions.FindOne(ctx, bson.M{"reference": reference}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NotFound("transaction not found")
		}
		return nil, classifyMongo(err)
	}
	return doc.toModel()
}

// filterDoc turns a filter into a query document.
func filterDoc(filter models.TransactionFilter) bson.M {
	q := bson.M{}
	if filter.AccountID != nil {
		id := filter.AccountID.String()
		q["$or"] = bson.A{
			bson.M{"source_account_id": id},
			bson.M{"destination_account_id": id},
		}
	}
	if filter.UserID != nil {
		q["user_id"] = filter.UserID.String()
	}
	if filter.Type != nil {
		q["type"] = *filter.Type
	}
	return q
}

// retrieves transactions matching filter
func (m *MongoDB) ListMatching(ctx context.Context, filter models.TransactionFilter, limit, offset int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "reference", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := m.transactions.Find(ctx, filterDoc(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", classifyMongo(err))
	}
	defer cursor.Close(ctx)

	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", classifyMongo(err))
	}

	txs := make([]*models.Transaction, 0, len(docs))
	for i := range docs {
		t, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, nil
}

func (m *MongoDB) CountMatching(ctx context.Context, filter models.TransactionFilter) (int64, error) {
	n, err := m.transactions.CountDocuments(ctx, filterDoc(filter))
	if err != nil {
		return 0, classifyMongo(err)
	}
	return n, nil
}

func toAccountDoc(a *models.Account) (*accountDoc, error) {
	balance, err := toDecimal128(a.Balance)
	if err != nil {
		return nil, err
	}
	doc := &accountDoc{
		ID:        a.ID.String(),
		Number:    a.Number,
		Type:      a.Type,
		Balance:   balance,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.HasOwner() {
		doc.UserID = a.UserID.String()
	}
	return doc, nil
}

func (d *accountDoc) toModel() (*models.Account, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, models.StorageFailure(fmt.Errorf("account id %q: %w", d.ID, err))
	}
	balance, err := fromDecimal128(d.Balance)
	if err != nil {
		return nil, models.StorageFailure(err)
	}
	acc := &models.Account{
		ID:        id,
		Number:    d.Number,
		Type:      d.Type,
		Balance:   balance,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.UserID != "" {
		if acc.UserID, err = uuid.Parse(d.UserID); err != nil {
			return nil, models.StorageFailure(fmt.Errorf("account %s owner: %w", d.ID, err))
		}
	}
	return acc, nil
}

func (d *transactionDoc) toModel() (*models.Transaction, error) {
	var (
		t   models.Transaction
		err error
	)
	if t.ID, err = uuid.Parse(d.ID); err != nil {
		return nil, models.StorageFailure(fmt.Errorf("transaction id %q: %w", d.ID, err))
	}
	if t.UserID, err = uuid.Parse(d.UserID); err != nil {
		return nil, models.StorageFailure(fmt.Errorf("transaction %s user: %w", d.Reference, err))
	}
	if t.Amount, err = fromDecimal128(d.Amount); err != nil {
		return nil, models.StorageFailure(err)
	}

	src, err := optionalUUID(d.SourceAccountID)
	if err != nil {
		return nil, models.StorageFailure(err)
	}
	dst, err := optionalUUID(d.DestinationAccountID)
	if err != nil {
		return nil, models.StorageFailure(err)
	}
	if t.Route, err = models.NewRoute(d.Type, src, dst); err != nil {
		return nil, models.StorageFailure(fmt.Errorf("transaction %s: %w", d.Reference, err))
	}

	t.Reference = d.Reference
	t.Status = d.Status
	t.Description = d.Description
	t.Metadata = d.Metadata
	t.CreatedAt = d.CreatedAt
	return &t, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert decimal128 %s: %w", v, err)
	}
	return d, nil
}

// classifyMongo maps driver failures onto the ledger error taxonomy.
func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *models.Error
	if errors.As(err, &ledgerErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.OperationConflict(err)
	}
	if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), accountNumberIndex) {
		return models.DuplicateAccountNumber(err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorLabel("UnknownTransactionCommitResult") {
			return models.StorageFailure(err)
		}
		if serverErr.HasErrorLabel("TransientTransactionError") || serverErr.HasErrorCode(mongoWriteConflict) {
			return models.OperationConflict(err)
		}
	}
	return models.StorageFailure(err)
}

var _ Store = (*MongoDB)(nil)
