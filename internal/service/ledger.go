package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/metrics"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Phase is how far an operation got through the engine
type Phase string

const (
	PhaseInitiated Phase = "initiated"
	PhaseValidated Phase = "validated"
	PhaseLocked    Phase = "locked"
	PhaseMutated   Phase = "mutated"
	PhaseRecorded  Phase = "recorded"
	PhaseCommitted Phase = "committed"

	// terminal failure phases
	PhaseRejected Phase = "rejected"
	PhaseAborted  Phase = "aborted"
)

// DefaultScopeTimeout bounds lock acquisition and commit of one operation
const DefaultScopeTimeout = 5 * time.Second

// ReferencePrefix starts every transaction reference
const ReferencePrefix = "TX-"

// Operation is one monetary movement requested of the engine. SourceRef and
// DestRef accept an internal account id or an external account number.
type Operation struct {
	Type        models.TransactionType
	SourceRef   string
	DestRef     string
	Amount      decimal.Decimal
	Description string
	InitiatedBy uuid.UUID
	// OwnerOnly requires InitiatedBy to own the source account
	OwnerOnly bool
	Metadata  models.Metadata
}

// Ledger applies operations atomically: balance changes and the transaction
// record commit in one isolation scope, or nothing is kept.
type Ledger struct {
	store        db.Store
	log          *zap.Logger
	metrics      *metrics.Ledger
	scopeTimeout time.Duration
	now          func() time.Time
	newReference func() string
}

// creates a new Ledger
func NewLedger(store db.Store, log *zap.Logger, m *metrics.Ledger, scopeTimeout time.Duration) *Ledger {
	if scopeTimeout <= 0 {
		scopeTimeout = DefaultScopeTimeout
	}
	return &Ledger{
		store:        store,
		log:          log,
		metrics:      m,
		scopeTimeout: scopeTimeout,
		now:          time.Now,
		newReference: func() string { return ReferencePrefix + ulid.Make().String() },
	}
}

// Execute runs op to completion. On error the store is left as it was before
// the call.
func (l *Ledger) Execute(ctx context.Context, op Operation) (*models.Result, error) {
	started := time.Now()
	phase := PhaseInitiated

	result, err := l.execute(ctx, op, &phase)
	if err != nil {
		outcome := PhaseAborted
		if phase == PhaseInitiated {
			outcome = PhaseRejected
		}
		l.logFailure(op, phase, outcome, err)
		l.metrics.Observe(string(op.Type), string(outcome), started)
		return nil, err
	}

	l.log.Debug("operation committed",
		zap.String("kind", string(op.Type)),
		zap.String("amount", op.Amount.String()),
		zap.String("reference", result.TransactionRef),
	)
	l.metrics.Observe(string(op.Type), string(PhaseCommitted), started)
	return result, nil
}

func (l *Ledger) execute(ctx context.Context, op Operation, phase *Phase) (*models.Result, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}

	source, dest, err := l.resolve(ctx, op)
	if err != nil {
		return nil, err
	}
	*phase = PhaseValidated

	route, ids := buildRoute(op.Type, source, dest)
	description := op.Description
	if description == "" {
		description = defaultDescription(op.Type, source, dest)
	}

	// once validated the operation runs to commit or abort regardless of the caller
	scopeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.scopeTimeout)
	defer cancel()

	var (
		sourceAfter, destAfter *models.Account
		record                 *models.Transaction
	)
	err = l.store.WithScope(scopeCtx, ids, func(ctx context.Context, scope db.Scope) error {
		*phase = PhaseLocked

		if source != nil {
			acc, err := scope.ApplyDelta(ctx, source.ID, op.Amount.Neg())
			if err != nil {
				return err
			}
			sourceAfter = acc
		}
		if dest != nil {
			acc, err := scope.ApplyDelta(ctx, dest.ID, op.Amount)
			if err != nil {
				return err
			}
			destAfter = acc
		}
		*phase = PhaseMutated

		record = &models.Transaction{
			ID:          uuid.New(),
			Reference:   l.newReference(),
			Amount:      op.Amount,
			Route:       route,
			Status:      models.Completed,
			UserID:      op.InitiatedBy,
			Description: description,
			Metadata:    op.Metadata,
			CreatedAt:   l.now().UTC(),
		}
		ref, err := scope.Append(ctx, record)
		if err != nil {
			return err
		}
		record.Reference = ref
		*phase = PhaseRecorded
		return nil
	})
	if err != nil {
		return nil, normalizeScopeError(err)
	}
	*phase = PhaseCommitted

	result := &models.Result{
		Status:         models.Completed,
		TransactionRef: record.Reference,
		Transaction:    record,
		Timestamp:      record.CreatedAt,
	}
	for _, acc := range []*models.Account{sourceAfter, destAfter} {
		if acc == nil || !acc.HasOwner() {
			continue
		}
		result.Changes = append(result.Changes, models.BalanceChange{
			AccountID:  acc.ID,
			UserID:     acc.UserID,
			NewBalance: acc.Balance,
		})
	}
	if sourceAfter != nil {
		result.Balances.Source = &sourceAfter.Balance
	}
	if destAfter != nil {
		result.Balances.Destination = &destAfter.Balance
	}
	return result, nil
}

// validateOperation runs the checks that need no store access.
func validateOperation(op Operation) error {
	if err := models.ValidateAmount(op.Amount); err != nil {
		return err
	}

	switch op.Type {
	case models.Transfer:
		if op.SourceRef == "" || op.DestRef == "" {
			return models.Validation("source and destination accounts are required")
		}
		if op.SourceRef == op.DestRef {
			return models.Validation("cannot transfer to the same account")
		}
	case models.Deposit:
		if op.DestRef == "" {
			return models.Validation("destination account is required")
		}
		if op.SourceRef != "" {
			return models.Validation("deposit does not take a source account")
		}
	case models.Withdrawal, models.Payment, models.Fee:
		if op.SourceRef == "" {
			return models.Validation("source account is required")
		}
		if op.DestRef != "" {
			return models.Validation(fmt.Sprintf("%s does not take a destination account", op.Type))
		}
	default:
		return models.Validation(fmt.Sprintf("unsupported transaction type %q", op.Type))
	}
	return nil
}

func (l *Ledger) resolve(ctx context.Context, op Operation) (source, dest *models.Account, err error) {
	if op.SourceRef != "" {
		if source, err = db.Resolve(ctx, l.store, op.SourceRef); err != nil {
			return nil, nil, err
		}
	}
	if op.DestRef != "" {
		if dest, err = db.Resolve(ctx, l.store, op.DestRef); err != nil {
			return nil, nil, err
		}
	}

	// a number and an id can name the same account
	if source != nil && dest != nil && source.ID == dest.ID {
		return nil, nil, models.Validation("cannot transfer to the same account")
	}

	if source != nil {
		if !source.HasOwner() {
			return nil, nil, models.UnassignedAccount(source.Number)
		}
		if op.OwnerOnly && source.UserID != op.InitiatedBy {
			return nil, nil, models.Forbidden("you do not own the source account")
		}
	}
	return source, dest, nil
}

func buildRoute(t models.TransactionType, source, dest *models.Account) (models.Route, []uuid.UUID) {
	switch t {
	case models.Transfer:
		return models.TransferRoute{From: source.ID, To: dest.ID}, []uuid.UUID{source.ID, dest.ID}
	case models.Deposit:
		return models.DepositRoute{To: dest.ID}, []uuid.UUID{dest.ID}
	default:
		return models.DebitRoute{Kind: t, From: source.ID}, []uuid.UUID{source.ID}
	}
}

func defaultDescription(t models.TransactionType, source, dest *models.Account) string {
	kind := string(t)
	kind = strings.ToUpper(kind[:1]) + kind[1:]
	if dest != nil {
		return fmt.Sprintf("%s to %s", kind, dest.Last4())
	}
	return fmt.Sprintf("%s from %s", kind, source.Last4())
}

// normalizeScopeError makes sure everything leaving a scope is a typed error.
func normalizeScopeError(err error) error {
	var ledgerErr *models.Error
	if errors.As(err, &ledgerErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OperationConflict(err)
	}
	return models.StorageFailure(err)
}

func (l *Ledger) logFailure(op Operation, reached, outcome Phase, err error) {
	fields := []zap.Field{
		zap.String("kind", string(op.Type)),
		zap.String("amount", op.Amount.String()),
		zap.String("phase", string(reached)),
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	}

	code := models.CodeOf(err)
	switch {
	case code == models.CodeStorageFailure:
		l.log.Error("operation failed", fields...)
	case code.Retryable():
		l.log.Warn("operation aborted", fields...)
	default:
		l.log.Info("operation rejected", fields...)
	}
}
