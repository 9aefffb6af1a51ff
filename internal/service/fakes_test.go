package service

import (
	"context"
	"sync"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memLedger mirrors repository.LedgerRepository on top of the domain
// helpers, one mutex standing in for the advisory lock.
type memLedger struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int64
	lots    map[int64][]models.EarnLot
	entries map[int64][]models.LedgerEntry

	aggErr  error
	lotsErr error
	syncErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		now:     testNow,
		lots:    make(map[int64][]models.EarnLot),
		entries: make(map[int64][]models.LedgerEntry),
	}
}

func (l *memLedger) addLot(customerID, amount int64, createdAgo, expiresIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.lots[customerID] = append(l.lots[customerID], models.EarnLot{
		ID:        l.nextID,
		Amount:    amount,
		Remaining: amount,
		CreatedAt: l.now.Add(-createdAgo),
		ExpiresAt: l.now.Add(expiresIn),
	})
}

func (l *memLedger) remaining(customerID, lotID int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lot := range l.lots[customerID] {
		if lot.ID == lotID {
			return lot.Remaining
		}
	}
	return -1
}

func (l *memLedger) entryCount(customerID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[customerID])
}

func (l *memLedger) GetAvailableBalance(_ context.Context, customerID int64) (int64, error) {
	if l.aggErr != nil {
		return 0, l.aggErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.AvailableBalance(l.lots[customerID], l.now), nil
}

func (l *memLedger) ListAvailableLots(_ context.Context, customerID int64) ([]models.EarnLot, error) {
	if l.lotsErr != nil {
		return nil, l.lotsErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.EarnLot
	for _, lot := range l.lots[customerID] {
		if domain.IsSpendable(lot, l.now) {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (l *memLedger) insertLot(customerID, amount int64, days int, desc string) {
	l.nextID++
	expires := l.now.AddDate(0, 0, days)
	remaining := amount
	l.lots[customerID] = append(l.lots[customerID], models.EarnLot{
		ID: l.nextID, Amount: amount, Remaining: amount, CreatedAt: l.now, ExpiresAt: expires,
	})
	l.entries[customerID] = append(l.entries[customerID], models.LedgerEntry{
		ID: l.nextID, CustomerID: customerID, Amount: amount, TransactionType: domain.TxTypeEarn,
		RemainingAmount: &remaining, ExpiresAt: &expires, Description: desc, CreatedAt: l.now,
	})
}

func (l *memLedger) debit(customerID, amount int64, txType, desc string) domain.DebitPlan {
	plan := domain.PlanFIFODebit(l.lots[customerID], amount, l.now)
	for _, d := range plan.Debits {
		for i := range l.lots[customerID] {
			if l.lots[customerID][i].ID == d.LotID {
				l.lots[customerID][i].Remaining -= d.Amount
			}
		}
	}
	if plan.Applied > 0 {
		l.nextID++
		l.entries[customerID] = append(l.entries[customerID], models.LedgerEntry{
			ID: l.nextID, CustomerID: customerID, Amount: -plan.Applied, TransactionType: txType,
			Description: desc, CreatedAt: l.now,
		})
	}
	return plan
}

func (l *memLedger) SyncBalance(_ context.Context, arg repository.SyncBalanceParams) (models.SyncResult, error) {
	if l.syncErr != nil {
		return models.SyncResult{}, l.syncErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	available := domain.AvailableBalance(l.lots[arg.CustomerID], l.now)
	res := models.SyncResult{NewBalance: arg.Snapshot.Balance, Diff: arg.Snapshot.Balance - available}
	switch {
	case res.Diff > 0:
		l.insertLot(arg.CustomerID, res.Diff, arg.ExpirationDays, domain.DescriptionSyncAdjustment)
	case res.Diff < 0:
		plan := l.debit(arg.CustomerID, -res.Diff, domain.TxTypeAdjust, domain.DescriptionSyncAdjustment)
		res.Shortfall = plan.Shortfall
	}
	return res, nil
}

func (l *memLedger) AdjustBalance(_ context.Context, arg repository.AdjustBalanceParams) (models.AdjustResult, error) {
	if arg.Amount == 0 {
		return models.AdjustResult{}, domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	available := domain.AvailableBalance(l.lots[arg.CustomerID], l.now)
	if arg.Amount > 0 {
		l.insertLot(arg.CustomerID, arg.Amount, arg.ExpirationDays, arg.Description)
		return models.AdjustResult{NewBalance: available + arg.Amount, Applied: arg.Amount}, nil
	}
	plan := l.debit(arg.CustomerID, -arg.Amount, domain.TxTypeAdjust, arg.Description)
	return models.AdjustResult{NewBalance: available - plan.Applied, Applied: -plan.Applied, Shortfall: plan.Shortfall}, nil
}

func (l *memLedger) SpendPoints(_ context.Context, arg repository.SpendPointsParams) (models.SpendResult, error) {
	if arg.Amount <= 0 {
		return models.SpendResult{}, domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	available := domain.AvailableBalance(l.lots[arg.CustomerID], l.now)
	if arg.Amount > available {
		return models.SpendResult{}, domain.ErrInsufficientBalance
	}
	if arg.Amount > domain.SpendCap(arg.TotalBill, arg.MaxSpendPercentage) {
		return models.SpendResult{}, domain.ErrOverSpendCap
	}
	l.debit(arg.CustomerID, arg.Amount, domain.TxTypeSpend, arg.Description)
	return models.SpendResult{Spent: arg.Amount, Remaining: available - arg.Amount}, nil
}

func (l *memLedger) ListTransactions(_ context.Context, customerID int64, limit int) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.entries[customerID]
	out := make([]models.LedgerEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

type memCustomers struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[int64]*models.Customer
	persistID error
	synced    map[int64]time.Time
}

func newMemCustomers(customers ...models.Customer) *memCustomers {
	m := &memCustomers{byID: make(map[int64]*models.Customer), synced: make(map[int64]time.Time)}
	for i := range customers {
		c := customers[i]
		m.byID[c.ID] = &c
		m.nextID = max(m.nextID, c.ID)
	}
	return m
}

func (m *memCustomers) GetCustomer(_ context.Context, id int64) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) find(match func(*models.Customer) bool) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrCustomerNotFound
}

func (m *memCustomers) GetCustomerByTgID(_ context.Context, tgID int64) (*models.Customer, error) {
	return m.find(func(c *models.Customer) bool { return c.TgID != nil && *c.TgID == tgID })
}

func (m *memCustomers) GetCustomerByPhone(_ context.Context, phone string) (*models.Customer, error) {
	return m.find(func(c *models.Customer) bool { return c.Phone == phone })
}

func (m *memCustomers) UpsertCustomer(_ context.Context, arg repository.UpsertCustomerParams) (*models.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tgID := arg.TgID
	for _, c := range m.byID {
		if c.Phone == arg.Phone {
			if c.TgID != nil && *c.TgID != tgID {
				return nil, false, domain.ErrPhoneTaken
			}
			c.TgID = &tgID
			cp := *c
			return &cp, false, nil
		}
	}
	m.nextID++
	c := &models.Customer{ID: m.nextID, TgID: &tgID, Phone: arg.Phone, Name: arg.Name, Active: true}
	m.byID[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (m *memCustomers) SetCustomerYClientsID(_ context.Context, id, yclientsID int64) (int64, error) {
	if m.persistID != nil {
		return 0, m.persistID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return 0, nil
	}
	c.YClientsID = &yclientsID
	return 1, nil
}

func (m *memCustomers) SetVisitsLastSync(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced[id] = at
	if c, ok := m.byID[id]; ok {
		c.VisitsLastSync = &at
	}
	return nil
}

func (m *memCustomers) ListActiveCustomerIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.byID[id]; ok && c.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeCRM serves balances keyed by client id.
type fakeCRM struct {
	mu       sync.Mutex
	clients  map[string]int64 // phone -> client id
	balances map[int64]int64
	info     map[int64]gateway.LoyaltyInfo
	visits   map[int64][]models.Visit
	findErr  error
	infoErr  error
	visitErr error

	findCalls  int
	infoCalls  int
	visitCalls int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		clients:  make(map[string]int64),
		balances: make(map[int64]int64),
		info:     make(map[int64]gateway.LoyaltyInfo),
		visits:   make(map[int64][]models.Visit),
	}
}

func (f *fakeCRM) setBalance(clientID, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[clientID] = balance
}

func (f *fakeCRM) FindClientByPhone(_ context.Context, phone string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return 0, f.findErr
	}
	id, ok := f.clients[phone]
	if !ok {
		return 0, gateway.ErrNotFound
	}
	return id, nil
}

func (f *fakeCRM) GetLoyaltyInfo(_ context.Context, clientID int64) (gateway.LoyaltyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if info, ok := f.info[clientID]; ok {
		return info, nil
	}
	balance, ok := f.balances[clientID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return gateway.LoyaltyInfo{"balance": balance, "number": "CARD-1", "type": map[string]any{"title": "Gold"}}, nil
}

func (f *fakeCRM) GetClientVisits(_ context.Context, clientID int64, limit int) ([]models.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visitCalls++
	if f.visitErr != nil {
		return nil, f.visitErr
	}
	return f.visits[clientID], nil
}

type fakeSettings struct {
	loyalty  decimal.Decimal
	maxSpend decimal.Decimal
	days     int
	bonus    int64
}

func defaultFakeSettings() *fakeSettings {
	return &fakeSettings{
		loyalty:  decimal.RequireFromString("0.05"),
		maxSpend: decimal.RequireFromString("0.3"),
		days:     90,
	}
}

func (f *fakeSettings) LoyaltyPercentage(context.Context) decimal.Decimal  { return f.loyalty }
func (f *fakeSettings) MaxSpendPercentage(context.Context) decimal.Decimal { return f.maxSpend }
func (f *fakeSettings) ExpirationDays(context.Context) int                 { return f.days }
func (f *fakeSettings) WelcomeBonus(context.Context) int64                 { return f.bonus }

type sentNotification struct {
	tgID   int64
	points int64
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) NotifyPointsAwarded(_ context.Context, tgID, points int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{tgID: tgID, points: points})
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: make(map[string]bool)}
}

func (d *memDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDeduper) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type memWebhookLog struct {
	mu   sync.Mutex
	rows map[string]*models.WebhookLog
}

func newMemWebhookLog() *memWebhookLog {
	return &memWebhookLog{rows: make(map[string]*models.WebhookLog)}
}

func (m *memWebhookLog) Record(_ context.Context, arg repository.InsertWebhookLogParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[arg.WebhookID]; ok {
		return false, nil
	}
	m.rows[arg.WebhookID] = &models.WebhookLog{WebhookID: arg.WebhookID, Phone: arg.Phone, Amount: arg.Amount, VisitID: arg.VisitID, Status: arg.Status}
	return true, nil
}

func (m *memWebhookLog) RecordCallback(_ context.Context, arg repository.InsertWebhookLogParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[arg.WebhookID] = &models.WebhookLog{WebhookID: arg.WebhookID, Status: arg.Status}
	return nil
}

func (m *memWebhookLog) Get(_ context.Context, id string) (*models.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrWebhookLogNotFound
	}
	cp := *row
	return &cp, nil
}

// Transition fails on a finished context like a transaction would.
func (m *memWebhookLog) Transition(ctx context.Context, id, next string, errMsg *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return repository.ErrWebhookLogNotFound
	}
	row.Status = next
	row.ErrorMessage = errMsg
	return nil
}

func (m *memWebhookLog) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		return row.Status
	}
	return ""
}

// syncQueue processes events inline so tests stay deterministic.
type syncQueue struct {
	process func(ctx context.Context, ev PaymentEvent) error
	full    bool
	events  []PaymentEvent
}

func (q *syncQueue) Enqueue(ev PaymentEvent) error {
	if q.full {
		return domain.ErrQueueFull
	}
	q.events = append(q.events, ev)
	if q.process != nil {
		_ = q.process(context.Background(), ev)
	}
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
