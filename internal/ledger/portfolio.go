package ledger

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

const walletAssetName = "Wallet"

// Persister receives the side effects of committed mutations. Calls happen
// outside the portfolio lock and must not block.
type Persister interface {
	SnapshotChanged()
	TransactionRecorded(tx domain.Transaction)
}

// Options tune a Portfolio. Zero values fall back to sensible defaults.
type Options struct {
	InitialWalletBalance decimal.Decimal
	DefaultStakingYield  string
	// AssetName resolves ids of tokens the portfolio does not hold.
	AssetName func(id string) (string, bool)
	Now       func() time.Time
	NewID     func() uuid.UUID
}

// Portfolio is the ledger of one identity: wallet, token positions, loans and
// transaction history behind a single mutex.
type Portfolio struct {
	mu         sync.Mutex
	identityID string
	opts       Options

	wallet *Wallet
	tokens *TokenBook
	loans  *LoanBook
	txs    *TransactionLog
	loaded bool
	sealed bool

	// held for reading from the start of a mutation until its side effects
	// are delivered; Seal takes it for writing
	commitMu  sync.RWMutex
	persister Persister
	notifier  *notifier
}

func NewPortfolio(identityID string, opts Options) *Portfolio {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	if strings.TrimSpace(opts.DefaultStakingYield) == "" {
		opts.DefaultStakingYield = DefaultStakingYield
	}
	return &Portfolio{
		identityID: identityID,
		opts:       opts,
		wallet:     NewWallet(decimal.Zero),
		tokens:     NewTokenBook(nil),
		loans:      NewLoanBook(nil),
		txs:        NewTransactionLog(),
		notifier:   newNotifier(),
	}
}

// mutation collects what a committed change must announce.
type mutation struct {
	changes  []Change
	txs      []domain.Transaction
	snapshot bool

	loaded    bool
	persister Persister
}

func (m *mutation) touch(changes ...Change) {
	m.changes = append(m.changes, changes...)
	for _, c := range changes {
		if c == ChangeWallet || c == ChangeTokens || c == ChangeLoans {
			m.snapshot = true
		}
	}
}

// update runs fn under the lock and announces its effects once released.
// fn must leave state untouched when it returns an error.
func (p *Portfolio) update(fn func(m *mutation) error) error {
	p.commitMu.RLock()
	defer p.commitMu.RUnlock()

	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return ErrPortfolioClosed
	}
	m := mutation{}
	err := fn(&m)
	m.loaded = p.loaded
	m.persister = p.persister
	p.mu.Unlock()

	if err != nil {
		return err
	}
	p.commit(m)
	return nil
}

func (p *Portfolio) commit(m mutation) {
	if len(m.changes) > 0 {
		p.notifier.publish(Event{IdentityID: p.identityID, Changes: m.changes, At: p.opts.Now()})
	}
	if m.persister == nil {
		return
	}
	for _, tx := range m.txs {
		m.persister.TransactionRecorded(tx)
	}
	if m.snapshot && m.loaded {
		m.persister.SnapshotChanged()
	}
}

func (p *Portfolio) IdentityID() string {
	return p.identityID
}

// SetPersister attaches the sink for snapshots and new transactions. Nil
// detaches. A sealed portfolio keeps no persister.
func (p *Portfolio) SetPersister(persister Persister) {
	p.mu.Lock()
	if !p.sealed {
		p.persister = persister
	}
	p.mu.Unlock()
}

// Seal detaches the persister and rejects every later mutation. It returns
// once mutations already in progress have handed their writes over.
func (p *Portfolio) Seal() {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	p.mu.Lock()
	p.sealed = true
	p.persister = nil
	p.mu.Unlock()
}

func (p *Portfolio) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Subscribe streams change events and notices until cancel is called.
func (p *Portfolio) Subscribe(buffer int) (<-chan Event, func()) {
	return p.notifier.subscribe(buffer)
}

// Notify pushes a transient notice to subscribers.
func (p *Portfolio) Notify(notice Notice) {
	p.notifier.publish(Event{IdentityID: p.identityID, Notice: &notice, At: p.opts.Now()})
}

// Close drops every subscriber.
func (p *Portfolio) Close() {
	p.notifier.closeAll()
}

// Load installs a stored snapshot and marks the portfolio loaded.
func (p *Portfolio) Load(snapshot domain.PortfolioSnapshot) {
	p.mu.Lock()
	p.wallet = NewWallet(snapshot.WalletBalance)
	p.tokens.Replace(snapshot.Tokens)
	p.loans.Replace(snapshot.Loans)
	p.loans.RefreshRemainingDays(p.opts.Now())
	p.loaded = true
	p.mu.Unlock()

	p.notifier.publish(Event{IdentityID: p.identityID, Changes: []Change{ChangeLoaded}, At: p.opts.Now()})
}

// LoadEmpty marks a portfolio with no stored record as loaded.
func (p *Portfolio) LoadEmpty() {
	p.Load(domain.PortfolioSnapshot{IdentityID: p.identityID, WalletBalance: p.opts.InitialWalletBalance})
}

// Clear wipes every holding and marks the portfolio as not loaded, so nothing
// is saved until the next load.
func (p *Portfolio) Clear() {
	p.mu.Lock()
	p.wallet.Reset()
	p.tokens.Reset()
	p.loans.Reset()
	p.txs.Reset()
	p.loaded = false
	p.mu.Unlock()

	p.notifier.publish(Event{IdentityID: p.identityID, Changes: []Change{ChangeCleared}, At: p.opts.Now()})
}

func (p *Portfolio) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Snapshot returns the persisted view of the portfolio.
func (p *Portfolio) Snapshot() domain.PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PortfolioSnapshot{
		IdentityID:    p.identityID,
		Tokens:        p.tokens.All(),
		WalletBalance: p.wallet.Balance(),
		Loans:         p.loans.All(),
		UpdatedAt:     p.opts.Now().UTC(),
	}
}

func (p *Portfolio) WalletBalance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wallet.Balance()
}

func (p *Portfolio) Tokens() []domain.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.All()
}

func (p *Portfolio) Token(id string) (domain.Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.Token(id)
}

func (p *Portfolio) TokenByLoanID(loanID string) (domain.Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.TokenByLoanID(loanID)
}

func (p *Portfolio) Transactions() []domain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txs.All()
}

func (p *Portfolio) Loans() []domain.Loan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loans.All()
}

func (p *Portfolio) Loan(id string) (domain.Loan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loans.Loan(id)
}

// TotalValue is the market value of every position.
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.TotalValue()
}

// AvailableValue excludes collateral from the market value.
func (p *Portfolio) AvailableValue() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.AvailableValue()
}

// ReplaceTransactions installs history fetched from the store.
func (p *Portfolio) ReplaceTransactions(txs []domain.Transaction) {
	_ = p.update(func(m *mutation) error {
		p.txs.Replace(txs)
		m.touch(ChangeTransactions)
		return nil
	})
}

func (p *Portfolio) AddFunds(amount decimal.Decimal) error {
	return p.update(func(m *mutation) error {
		if err := p.wallet.AddFunds(amount); err != nil {
			return err
		}
		m.touch(ChangeWallet)
		return nil
	})
}

// DeductFunds debits the wallet when it covers amount and reports whether it did.
func (p *Portfolio) DeductFunds(amount decimal.Decimal) bool {
	err := p.update(func(m *mutation) error {
		if !p.wallet.DeductFunds(amount) {
			return ErrInsufficientFunds
		}
		m.touch(ChangeWallet)
		return nil
	})
	return err == nil
}

func (p *Portfolio) AddToken(token domain.Token) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.AddToken(token); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

func (p *Portfolio) RemoveToken(id string) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.RemoveToken(id); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

func (p *Portfolio) UpdateTokenBalance(id string, delta decimal.Decimal) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.UpdateTokenBalance(id, delta); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

func (p *Portfolio) LockToken(id string, amount decimal.Decimal, loanID string) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.LockToken(id, amount, loanID); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

func (p *Portfolio) UnlockToken(id string) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.UnlockToken(id); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

func (p *Portfolio) ToggleTokenStaking(id string, staked bool, yieldRate string) error {
	return p.update(func(m *mutation) error {
		if err := p.tokens.ToggleTokenStaking(id, staked, yieldRate, p.opts.DefaultStakingYield); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		return nil
	})
}

// AddTransaction appends a history record and returns it with id and date set.
func (p *Portfolio) AddTransaction(input domain.TransactionInput) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		var err error
		tx, err = p.newTransaction(input)
		if err != nil {
			return err
		}
		p.record(m, tx)
		return nil
	})
	return tx, err
}

func (p *Portfolio) newTransaction(input domain.TransactionInput) (domain.Transaction, error) {
	if !input.Type.Valid() {
		return domain.Transaction{}, ErrInvalidTransaction
	}
	if input.Amount.IsNegative() || input.Value.IsNegative() {
		return domain.Transaction{}, ErrInvalidAmount
	}
	status := input.Status
	if status == "" {
		status = domain.TransactionCompleted
	}
	if !status.Valid() {
		return domain.Transaction{}, ErrInvalidTransaction
	}
	return domain.Transaction{
		ID:      p.opts.NewID(),
		Date:    p.opts.Now().UTC(),
		Type:    input.Type,
		Asset:   p.resolveAsset(input.Asset),
		ToAsset: p.resolveAsset(input.ToAsset),
		Amount:  input.Amount,
		Value:   input.Value,
		Status:  status,
	}, nil
}

// resolveAsset must be called with the lock held.
func (p *Portfolio) resolveAsset(ref domain.AssetRef) string {
	if ref.IsZero() {
		return ""
	}
	id, byID := ref.TokenID()
	if !byID {
		return ref.Raw()
	}
	if token, ok := p.tokens.Token(id); ok {
		return token.Name
	}
	if p.opts.AssetName != nil {
		if name, ok := p.opts.AssetName(id); ok {
			return name
		}
	}
	return id
}

func (p *Portfolio) record(m *mutation, tx domain.Transaction) {
	p.txs.Prepend(tx)
	m.txs = append(m.txs, tx)
	m.touch(ChangeTransactions)
}

// recordNew builds and records a transaction from inputs that are known to be valid.
func (p *Portfolio) recordNew(m *mutation, input domain.TransactionInput) domain.Transaction {
	tx, err := p.newTransaction(input)
	if err != nil {
		log.Printf("level=error component=ledger msg=\"internal transaction rejected\" identity_id=%s type=%s err=%v", p.identityID, input.Type, err)
		return domain.Transaction{}
	}
	p.record(m, tx)
	return tx
}

// Deposit credits the wallet and logs a deposit.
func (p *Portfolio) Deposit(amount decimal.Decimal) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		if err := p.wallet.AddFunds(amount); err != nil {
			return err
		}
		m.touch(ChangeWallet)
		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionDeposit,
			Asset:  domain.AssetByName(walletAssetName),
			Amount: amount,
			Value:  amount,
		})
		return nil
	})
	return tx, err
}

// Withdraw debits the wallet and logs a withdrawal.
func (p *Portfolio) Withdraw(amount decimal.Decimal) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
		if !p.wallet.DeductFunds(amount) {
			return ErrInsufficientFunds
		}
		m.touch(ChangeWallet)
		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionWithdrawal,
			Asset:  domain.AssetByName(walletAssetName),
			Amount: amount,
			Value:  amount,
		})
		return nil
	})
	return tx, err
}

// Buy credits quantity of listing. A held position keeps its own price. When
// payFromWallet is set the cost is debited first and the buy fails if the
// wallet cannot cover it.
func (p *Portfolio) Buy(listing domain.Token, quantity decimal.Decimal, payFromWallet bool) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		if !quantity.IsPositive() {
			return ErrInvalidAmount
		}
		held, owned := p.tokens.Token(listing.ID)
		price := listing.Price
		if owned {
			price = held.Price
		}
		cost := price.Mul(quantity)

		if payFromWallet {
			if !p.wallet.DeductFunds(cost) {
				return ErrInsufficientFunds
			}
			m.touch(ChangeWallet)
		}
		var err error
		if owned {
			err = p.tokens.UpdateTokenBalance(listing.ID, quantity)
		} else {
			position := listing.Clone()
			position.Balance = quantity
			position.Staked = false
			err = p.tokens.AddToken(position)
		}
		if err != nil {
			if payFromWallet {
				_ = p.wallet.AddFunds(cost)
			}
			return err
		}
		m.touch(ChangeTokens)

		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionBuy,
			Asset:  domain.AssetByID(listing.ID),
			Amount: quantity,
			Value:  cost,
		})
		return nil
	})
	return tx, err
}

// Sell debits quantity from the unlocked balance and credits the proceeds.
func (p *Portfolio) Sell(tokenID string, quantity decimal.Decimal) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		if !quantity.IsPositive() {
			return ErrInvalidAmount
		}
		token, ok := p.tokens.Token(tokenID)
		if !ok {
			return ErrTokenNotFound
		}
		if token.AvailableBalance().LessThan(quantity) {
			return ErrInsufficientTokenBalance
		}
		if err := p.tokens.UpdateTokenBalance(tokenID, quantity.Neg()); err != nil {
			return err
		}
		m.touch(ChangeTokens)

		proceeds := token.Price.Mul(quantity)
		if proceeds.IsPositive() {
			_ = p.wallet.AddFunds(proceeds)
			m.touch(ChangeWallet)
		}
		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionSell,
			Asset:  domain.AssetByID(tokenID),
			Amount: quantity,
			Value:  proceeds,
		})
		return nil
	})
	return tx, err
}

// Swap converts quantity of one position into another at the price ratio.
func (p *Portfolio) Swap(fromID string, to domain.Token, quantity decimal.Decimal) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		if !quantity.IsPositive() {
			return ErrInvalidAmount
		}
		if strings.TrimSpace(to.ID) == "" {
			return ErrTokenNotFound
		}
		if strings.TrimSpace(fromID) == strings.TrimSpace(to.ID) {
			return ErrSameToken
		}
		from, ok := p.tokens.Token(fromID)
		if !ok {
			return ErrTokenNotFound
		}
		if from.AvailableBalance().LessThan(quantity) {
			return ErrInsufficientTokenBalance
		}
		target, owned := p.tokens.Token(to.ID)
		if owned {
			to = target
		}
		if !to.Price.IsPositive() {
			return ErrInvalidAmount
		}

		value := from.Price.Mul(quantity)
		received := value.Div(to.Price)
		if err := p.tokens.UpdateTokenBalance(fromID, quantity.Neg()); err != nil {
			return err
		}
		if owned {
			_ = p.tokens.UpdateTokenBalance(to.ID, received)
		} else {
			position := to.Clone()
			position.Balance = received
			position.Staked = false
			_ = p.tokens.AddToken(position)
		}
		m.touch(ChangeTokens)

		tx = p.recordNew(m, domain.TransactionInput{
			Type:    domain.TransactionSwap,
			Asset:   domain.AssetByID(fromID),
			ToAsset: domain.AssetByID(to.ID),
			Amount:  quantity,
			Value:   value,
		})
		return nil
	})
	return tx, err
}

// Stake marks a held position as staked and logs it.
func (p *Portfolio) Stake(tokenID, yieldRate string) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		token, ok := p.tokens.Token(tokenID)
		if !ok {
			return ErrTokenNotFound
		}
		if !token.Balance.IsPositive() {
			return ErrInsufficientTokenBalance
		}
		if token.Staked {
			return ErrAlreadyStaked
		}
		if err := p.tokens.ToggleTokenStaking(tokenID, true, yieldRate, p.opts.DefaultStakingYield); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionStake,
			Asset:  domain.AssetByID(tokenID),
			Amount: token.Balance,
			Value:  token.Value(),
		})
		return nil
	})
	return tx, err
}

// Unstake clears the staking flag and yield of a position.
func (p *Portfolio) Unstake(tokenID string) (domain.Transaction, error) {
	var tx domain.Transaction
	err := p.update(func(m *mutation) error {
		token, ok := p.tokens.Token(tokenID)
		if !ok {
			return ErrTokenNotFound
		}
		if !token.Staked {
			return ErrNotStaked
		}
		if err := p.tokens.ToggleTokenStaking(tokenID, false, "", ""); err != nil {
			return err
		}
		m.touch(ChangeTokens)
		tx = p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionUnstake,
			Asset:  domain.AssetByID(tokenID),
			Amount: token.Balance,
			Value:  token.Value(),
		})
		return nil
	})
	return tx, err
}

// QuoteLoan prices an application against the current collateral position.
func (p *Portfolio) QuoteLoan(application domain.LoanApplication) (domain.LoanQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.tokens.Token(application.CollateralToken)
	if !ok {
		return domain.LoanQuote{}, ErrTokenNotFound
	}
	return QuoteLoan(application, token)
}

// ApplyForLoan quotes and opens a loan in one step.
func (p *Portfolio) ApplyForLoan(application domain.LoanApplication) (domain.Loan, error) {
	var loan domain.Loan
	err := p.update(func(m *mutation) error {
		token, ok := p.tokens.Token(application.CollateralToken)
		if !ok {
			return ErrTokenNotFound
		}
		quote, err := QuoteLoan(application, token)
		if err != nil {
			return err
		}
		loan, err = p.openLoan(m, domain.Loan{
			Amount:           quote.Amount,
			CollateralToken:  quote.CollateralToken,
			CollateralAmount: quote.CollateralAmount,
			CollateralValue:  quote.RequiredCollateralValue,
			CollateralRatio:  quote.CollateralRatio,
			InterestRate:     quote.InterestRate,
			TermDays:         quote.TermDays,
		})
		return err
	})
	return loan, err
}

// AddLoan opens a loan from precomputed terms: it locks the collateral,
// credits the principal and logs loan and lock transactions. Nothing changes
// when the collateral cannot be locked.
func (p *Portfolio) AddLoan(loan domain.Loan) (domain.Loan, error) {
	var created domain.Loan
	err := p.update(func(m *mutation) error {
		var err error
		created, err = p.openLoan(m, loan)
		return err
	})
	return created, err
}

func (p *Portfolio) openLoan(m *mutation, loan domain.Loan) (domain.Loan, error) {
	if !loan.Amount.IsPositive() || !loan.CollateralAmount.IsPositive() {
		return domain.Loan{}, ErrInvalidAmount
	}
	token, ok := p.tokens.Token(loan.CollateralToken)
	if !ok {
		return domain.Loan{}, ErrTokenNotFound
	}

	now := p.opts.Now().UTC()
	loan.ID = p.opts.NewID()
	loan.Status = domain.LoanActive
	if loan.StartDate.IsZero() {
		loan.StartDate = now
	}
	loan.RemainingDays = loan.DaysRemaining(now)

	if err := p.tokens.LockToken(token.ID, loan.CollateralAmount, loan.ID.String()); err != nil {
		return domain.Loan{}, err
	}
	p.loans.Add(loan)
	_ = p.wallet.AddFunds(loan.Amount)
	m.touch(ChangeLoans, ChangeTokens, ChangeWallet)

	p.recordNew(m, domain.TransactionInput{
		Type:   domain.TransactionLoan,
		Asset:  domain.AssetByID(token.ID),
		Amount: loan.Amount,
		Value:  loan.Amount,
	})
	p.recordNew(m, domain.TransactionInput{
		Type:   domain.TransactionLock,
		Asset:  domain.AssetByID(token.ID),
		Amount: loan.CollateralAmount,
		Value:  loan.CollateralValue,
	})
	return loan, nil
}

// RepayLoan settles an active loan from the wallet and releases its collateral.
func (p *Portfolio) RepayLoan(loanID string) (domain.Loan, error) {
	var repaid domain.Loan
	err := p.update(func(m *mutation) error {
		loan, ok := p.loans.Loan(loanID)
		if !ok {
			return ErrLoanNotFound
		}
		if !loan.IsActive() {
			return ErrLoanNotActive
		}
		if !p.wallet.DeductFunds(loan.Amount) {
			return ErrInsufficientFunds
		}
		p.loans.markRepaid(loanID)
		m.touch(ChangeWallet, ChangeLoans)

		p.recordNew(m, domain.TransactionInput{
			Type:   domain.TransactionRepayment,
			Asset:  domain.AssetByID(loan.CollateralToken),
			Amount: loan.Amount,
			Value:  loan.Amount,
		})

		token, found := p.tokens.TokenByLoanID(loan.ID.String())
		if !found {
			log.Printf("level=warn component=ledger msg=\"collateral token missing for repaid loan\" identity_id=%s loan_id=%s token_id=%s", p.identityID, loan.ID, loan.CollateralToken)
		} else {
			_ = p.tokens.UnlockToken(token.ID)
			m.touch(ChangeTokens)
			p.recordNew(m, domain.TransactionInput{
				Type:   domain.TransactionUnlock,
				Asset:  domain.AssetByID(token.ID),
				Amount: token.LockedAmount(),
				Value:  token.Price.Mul(token.LockedAmount()),
			})
		}

		repaid, _ = p.loans.Loan(loanID)
		return nil
	})
	return repaid, err
}

// RefreshLoanTerms recomputes the remaining days of active loans.
func (p *Portfolio) RefreshLoanTerms(now time.Time) bool {
	changed := false
	_ = p.update(func(m *mutation) error {
		changed = p.loans.RefreshRemainingDays(now)
		if changed {
			m.touch(ChangeLoans)
		}
		return nil
	})
	return changed
}

// ActiveLoanCount counts loans still open.
func (p *Portfolio) ActiveLoanCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loans.ActiveCount()
}
