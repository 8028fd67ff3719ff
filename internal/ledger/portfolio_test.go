package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

type recordingPersister struct {
	mu        sync.Mutex
	snapshots int
	txs       []domain.Transaction
}

func (r *recordingPersister) SnapshotChanged() {
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

func (r *recordingPersister) TransactionRecorded(tx domain.Transaction) {
	r.mu.Lock()
	r.txs = append(r.txs, tx)
	r.mu.Unlock()
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newLoadedPortfolio(t *testing.T, wallet string, tokens ...domain.Token) (*Portfolio, *recordingPersister) {
	t.Helper()
	p := NewPortfolio("user-1", Options{
		Now: func() time.Time { return fixedNow },
		AssetName: func(id string) (string, bool) {
			if id == "MREIT" {
				return "Manhattan Realty Token", true
			}
			return "", false
		},
	})
	p.Load(domain.PortfolioSnapshot{IdentityID: "user-1", WalletBalance: dec(wallet), Tokens: tokens})
	persister := &recordingPersister{}
	p.SetPersister(persister)
	return p, persister
}

func realtyListing() domain.Token {
	return domain.Token{
		ID:       "MREIT",
		Name:     "Manhattan Realty Token",
		Symbol:   "MREIT",
		Category: domain.CategoryRealEstate,
		Price:    dec("356.42"),
		Balance:  dec("0"),
		Yield:    "8.5% APY",
	}
}

func TestPortfolio_BuyPaymentPaths(t *testing.T) {
	t.Run("wallet payment debits cost", func(t *testing.T) {
		p, _ := newLoadedPortfolio(t, "1000000")

		tx, err := p.Buy(realtyListing(), dec("10"), true)
		if err != nil {
			t.Fatalf("Buy: %v", err)
		}
		if !p.WalletBalance().Equal(dec("996435.80")) {
			t.Fatalf("wallet = %s, want 996435.80", p.WalletBalance())
		}
		if !tx.Value.Equal(dec("3564.20")) || tx.Asset != "Manhattan Realty Token" {
			t.Fatalf("unexpected buy record %+v", tx)
		}
		token, _ := p.Token("MREIT")
		if !token.Balance.Equal(dec("10")) {
			t.Fatalf("token balance = %s, want 10", token.Balance)
		}
	})

	t.Run("external payment leaves wallet", func(t *testing.T) {
		p, _ := newLoadedPortfolio(t, "1000000")

		if _, err := p.Buy(realtyListing(), dec("10"), false); err != nil {
			t.Fatalf("Buy: %v", err)
		}
		if !p.WalletBalance().Equal(dec("1000000")) {
			t.Fatalf("wallet = %s, want unchanged 1000000", p.WalletBalance())
		}
	})

	t.Run("wallet payment without funds fails cleanly", func(t *testing.T) {
		p, persister := newLoadedPortfolio(t, "100")

		_, err := p.Buy(realtyListing(), dec("10"), true)
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if _, ok := p.Token("MREIT"); ok {
			t.Fatal("expected no position after failed buy")
		}
		if len(p.Transactions()) != 0 || persister.snapshots != 0 {
			t.Fatal("expected no side effects after failed buy")
		}
	})
}

func TestPortfolio_ApplyForLoanLocksCollateral(t *testing.T) {
	p, persister := newLoadedPortfolio(t, "500", goldWithBalance(dec("20")))

	loan, err := p.ApplyForLoan(domain.LoanApplication{
		Amount:          dec("10000"),
		CollateralToken: "DGOLD",
		CollateralRatio: 150,
		TermDays:        90,
	})
	if err != nil {
		t.Fatalf("ApplyForLoan: %v", err)
	}
	if !loan.CollateralValue.Equal(dec("15000")) {
		t.Fatalf("collateral value = %s, want 15000", loan.CollateralValue)
	}
	if !loan.InterestRate.Equal(dec("9.5")) {
		t.Fatalf("interest = %s, want 9.5", loan.InterestRate)
	}
	if loan.RemainingDays != 90 || loan.Status != domain.LoanActive {
		t.Fatalf("unexpected loan state %+v", loan)
	}
	if !p.WalletBalance().Equal(dec("10500")) {
		t.Fatalf("wallet = %s, want 10500", p.WalletBalance())
	}
	token, _ := p.Token("DGOLD")
	if !token.LockedAmount().Equal(dec("15")) || token.Collateral.LoanID != loan.ID.String() {
		t.Fatalf("unexpected collateral %+v", token.Collateral)
	}

	txs := p.Transactions()
	if len(txs) != 2 || txs[0].Type != domain.TransactionLock || txs[1].Type != domain.TransactionLoan {
		t.Fatalf("expected lock then loan records newest first, got %+v", txs)
	}
	if len(persister.txs) != 2 || persister.snapshots != 1 {
		t.Fatalf("expected one snapshot and two transactions persisted, got %d/%d", persister.snapshots, len(persister.txs))
	}
}

func TestPortfolio_ApplyForLoanValidation(t *testing.T) {
	cases := []struct {
		name    string
		app     domain.LoanApplication
		wantErr error
	}{
		{name: "ratio too low", app: domain.LoanApplication{Amount: dec("100"), CollateralToken: "DGOLD", CollateralRatio: 120, TermDays: 30}, wantErr: ErrInvalidCollateralRatio},
		{name: "ratio too high", app: domain.LoanApplication{Amount: dec("100"), CollateralToken: "DGOLD", CollateralRatio: 201, TermDays: 30}, wantErr: ErrInvalidCollateralRatio},
		{name: "bad term", app: domain.LoanApplication{Amount: dec("100"), CollateralToken: "DGOLD", CollateralRatio: 150, TermDays: 60}, wantErr: ErrInvalidLoanTerm},
		{name: "not enough collateral", app: domain.LoanApplication{Amount: dec("100000"), CollateralToken: "DGOLD", CollateralRatio: 150, TermDays: 30}, wantErr: ErrInsufficientCollateral},
		{name: "unknown token", app: domain.LoanApplication{Amount: dec("100"), CollateralToken: "NOPE", CollateralRatio: 150, TermDays: 30}, wantErr: ErrTokenNotFound},
		{name: "zero amount", app: domain.LoanApplication{Amount: dec("0"), CollateralToken: "DGOLD", CollateralRatio: 150, TermDays: 30}, wantErr: ErrInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, persister := newLoadedPortfolio(t, "0", goldWithBalance(dec("20")))
			_, err := p.ApplyForLoan(tc.app)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if len(p.Loans()) != 0 || !p.WalletBalance().IsZero() || persister.snapshots != 0 {
				t.Fatal("expected rejected application to leave no trace")
			}
		})
	}
}

func TestInterestRateFor(t *testing.T) {
	cases := map[int]string{130: "10.5", 150: "9.5", 175: "8.25", 200: "7"}
	for ratio, want := range cases {
		if got := InterestRateFor(ratio); !got.Equal(dec(want)) {
			t.Fatalf("InterestRateFor(%d) = %s, want %s", ratio, got, want)
		}
	}
}

func TestPortfolio_AddLoanRejectsOverLockWithoutSideEffects(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("2")))

	_, err := p.AddLoan(domain.Loan{
		Amount:           dec("1000"),
		CollateralToken:  "DGOLD",
		CollateralAmount: dec("5"),
		CollateralValue:  dec("5000"),
		CollateralRatio:  150,
		TermDays:         30,
	})
	if !errors.Is(err, ErrLockExceedsBalance) {
		t.Fatalf("expected ErrLockExceedsBalance, got %v", err)
	}
	if len(p.Loans()) != 0 || !p.WalletBalance().IsZero() || len(p.Transactions()) != 0 {
		t.Fatal("expected no loan, funds or records after failed lock")
	}
}

func TestPortfolio_RepayLoan(t *testing.T) {
	application := domain.LoanApplication{Amount: dec("1000"), CollateralToken: "DGOLD", CollateralRatio: 150, TermDays: 30}

	t.Run("insufficient funds changes nothing", func(t *testing.T) {
		p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("5")))
		loan, err := p.ApplyForLoan(application)
		if err != nil {
			t.Fatalf("ApplyForLoan: %v", err)
		}
		if _, err := p.Withdraw(dec("600")); err != nil {
			t.Fatalf("Withdraw: %v", err)
		}

		_, err = p.RepayLoan(loan.ID.String())
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		stored, _ := p.Loan(loan.ID.String())
		if stored.Status != domain.LoanActive {
			t.Fatalf("expected loan to stay active, got %s", stored.Status)
		}
		token, _ := p.Token("DGOLD")
		if !token.IsLocked() {
			t.Fatal("expected collateral to stay locked")
		}
	})

	t.Run("repayment unlocks collateral", func(t *testing.T) {
		p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("5")))
		loan, err := p.ApplyForLoan(application)
		if err != nil {
			t.Fatalf("ApplyForLoan: %v", err)
		}

		repaid, err := p.RepayLoan(loan.ID.String())
		if err != nil {
			t.Fatalf("RepayLoan: %v", err)
		}
		if repaid.Status != domain.LoanRepaid {
			t.Fatalf("expected repaid, got %s", repaid.Status)
		}
		if !p.WalletBalance().IsZero() {
			t.Fatalf("wallet = %s, want 0", p.WalletBalance())
		}
		token, _ := p.Token("DGOLD")
		if token.IsLocked() {
			t.Fatal("expected collateral released")
		}
		txs := p.Transactions()
		if txs[0].Type != domain.TransactionUnlock || txs[1].Type != domain.TransactionRepayment {
			t.Fatalf("expected unlock and repayment records, got %s, %s", txs[0].Type, txs[1].Type)
		}

		if _, err := p.RepayLoan(loan.ID.String()); !errors.Is(err, ErrLoanNotActive) {
			t.Fatalf("expected ErrLoanNotActive on second repayment, got %v", err)
		}
	})

	t.Run("missing collateral token still settles", func(t *testing.T) {
		loan := domain.Loan{
			ID:              uuid.New(),
			Amount:          dec("100"),
			CollateralToken: "GONE",
			TermDays:        30,
			StartDate:       fixedNow,
			Status:          domain.LoanActive,
		}
		p := NewPortfolio("user-1", Options{Now: func() time.Time { return fixedNow }})
		p.Load(domain.PortfolioSnapshot{WalletBalance: dec("150"), Loans: []domain.Loan{loan}})

		if _, err := p.RepayLoan(loan.ID.String()); err != nil {
			t.Fatalf("RepayLoan: %v", err)
		}
		if !p.WalletBalance().Equal(dec("50")) {
			t.Fatalf("wallet = %s, want 50", p.WalletBalance())
		}
		txs := p.Transactions()
		if len(txs) != 1 || txs[0].Type != domain.TransactionRepayment {
			t.Fatalf("expected only a repayment record, got %+v", txs)
		}
	})

	t.Run("unknown loan", func(t *testing.T) {
		p, _ := newLoadedPortfolio(t, "0")
		if _, err := p.RepayLoan(uuid.NewString()); !errors.Is(err, ErrLoanNotFound) {
			t.Fatalf("expected ErrLoanNotFound, got %v", err)
		}
	})
}

func TestPortfolio_SellOnlyFromUnlockedBalance(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("3")))
	if err := p.LockToken("DGOLD", dec("2"), "loan-1"); err != nil {
		t.Fatalf("LockToken: %v", err)
	}

	if _, err := p.Sell("DGOLD", dec("2")); !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}
	tx, err := p.Sell("DGOLD", dec("1"))
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !tx.Value.Equal(dec("1000")) || !p.WalletBalance().Equal(dec("1000")) {
		t.Fatalf("expected proceeds of 1000, got tx=%s wallet=%s", tx.Value, p.WalletBalance())
	}
}

func TestPortfolio_SwapConvertsAtPriceRatio(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("2")))

	tx, err := p.Swap("DGOLD", realtyListing(), dec("1"))
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if tx.Type != domain.TransactionSwap || tx.Asset != "Digital Gold" || tx.ToAsset != "Manhattan Realty Token" {
		t.Fatalf("unexpected swap record %+v", tx)
	}
	gold, _ := p.Token("DGOLD")
	realty, _ := p.Token("MREIT")
	if !gold.Balance.Equal(dec("1")) {
		t.Fatalf("gold balance = %s, want 1", gold.Balance)
	}
	want := dec("1000").Div(dec("356.42"))
	if !realty.Balance.Equal(want) {
		t.Fatalf("realty balance = %s, want %s", realty.Balance, want)
	}

	if _, err := p.Swap("DGOLD", goldWithBalance(dec("0")), dec("1")); !errors.Is(err, ErrSameToken) {
		t.Fatalf("expected ErrSameToken, got %v", err)
	}
}

func TestPortfolio_StakeAndUnstake(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("2")))

	if _, err := p.Stake("DGOLD", ""); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if _, err := p.Stake("DGOLD", ""); !errors.Is(err, ErrAlreadyStaked) {
		t.Fatalf("expected ErrAlreadyStaked, got %v", err)
	}
	token, _ := p.Token("DGOLD")
	if token.Yield != DefaultStakingYield {
		t.Fatalf("yield = %q, want default", token.Yield)
	}
	if _, err := p.Unstake("DGOLD"); err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if _, err := p.Unstake("DGOLD"); !errors.Is(err, ErrNotStaked) {
		t.Fatalf("expected ErrNotStaked, got %v", err)
	}
}

func TestPortfolio_AddTransactionResolvesAsset(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0", goldWithBalance(dec("1")))

	cases := []struct {
		name string
		ref  domain.AssetRef
		want string
	}{
		{name: "held token id", ref: domain.AssetByID("DGOLD"), want: "Digital Gold"},
		{name: "listed token id", ref: domain.AssetByID("MREIT"), want: "Manhattan Realty Token"},
		{name: "unknown id", ref: domain.AssetByID("XYZ"), want: "XYZ"},
		{name: "literal name with space", ref: domain.AssetByName("Some Asset"), want: "Some Asset"},
		{name: "literal name without space", ref: domain.AssetByName("Gold"), want: "Gold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := p.AddTransaction(domain.TransactionInput{Type: domain.TransactionDeposit, Asset: tc.ref, Amount: dec("1"), Value: dec("1")})
			if err != nil {
				t.Fatalf("AddTransaction: %v", err)
			}
			if tx.Asset != tc.want {
				t.Fatalf("asset = %q, want %q", tx.Asset, tc.want)
			}
			if tx.ID == uuid.Nil || !tx.Date.Equal(fixedNow) || tx.Status != domain.TransactionCompleted {
				t.Fatalf("expected id, date and default status to be assigned, got %+v", tx)
			}
			if p.Transactions()[0].ID != tx.ID {
				t.Fatal("expected new record at the head of the log")
			}
		})
	}

	if _, err := p.AddTransaction(domain.TransactionInput{Type: "gift"}); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestPortfolio_ReplaceTransactionsIsIdempotent(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0")
	older := domain.Transaction{ID: uuid.New(), Date: fixedNow.Add(-time.Hour), Type: domain.TransactionDeposit}
	newer := domain.Transaction{ID: uuid.New(), Date: fixedNow, Type: domain.TransactionWithdrawal}

	p.ReplaceTransactions([]domain.Transaction{older, newer})
	first := p.Transactions()
	p.ReplaceTransactions([]domain.Transaction{older, newer})
	second := p.Transactions()

	if len(first) != 2 || first[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %+v", first)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatal("expected identical state after repeated load")
		}
	}
}

func TestPortfolio_SnapshotsGatedUntilLoaded(t *testing.T) {
	p := NewPortfolio("user-1", Options{})
	persister := &recordingPersister{}
	p.SetPersister(persister)

	if err := p.AddFunds(dec("10")); err != nil {
		t.Fatalf("AddFunds: %v", err)
	}
	if persister.snapshots != 0 {
		t.Fatal("expected no snapshot before load completes")
	}

	p.LoadEmpty()
	if err := p.AddFunds(dec("10")); err != nil {
		t.Fatalf("AddFunds: %v", err)
	}
	if persister.snapshots != 1 {
		t.Fatalf("expected one snapshot after load, got %d", persister.snapshots)
	}

	p.Clear()
	if p.Loaded() || !p.WalletBalance().IsZero() || len(p.Tokens()) != 0 {
		t.Fatal("expected cleared, unloaded portfolio")
	}
	_ = p.AddFunds(dec("5"))
	if persister.snapshots != 1 {
		t.Fatal("expected no snapshot after clear")
	}
}

func TestPortfolio_SubscribeReceivesChangesAndNotices(t *testing.T) {
	p, _ := newLoadedPortfolio(t, "0")
	events, cancel := p.Subscribe(4)
	defer cancel()

	if _, err := p.Deposit(dec("25")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	p.Notify(Notice{Level: NoticeSuccess, Title: "Deposit complete"})

	first := <-events
	if len(first.Changes) == 0 || first.Changes[0] != ChangeWallet {
		t.Fatalf("expected wallet change event, got %+v", first)
	}
	second := <-events
	if second.Notice == nil || second.Notice.Title != "Deposit complete" {
		t.Fatalf("expected notice event, got %+v", second)
	}
}

func TestPortfolio_RecordedTransactionsNeverChange(t *testing.T) {
	clock := fixedNow
	p := NewPortfolio("user-1", Options{Now: func() time.Time { return clock }})
	p.Load(domain.PortfolioSnapshot{IdentityID: "user-1", WalletBalance: dec("0"), Tokens: []domain.Token{goldWithBalance(dec("5"))}})

	if _, err := p.Deposit(dec("1000")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	clock = clock.Add(time.Minute)
	if _, err := p.Sell("DGOLD", dec("1")); err != nil {
		t.Fatalf("Sell: %v", err)
	}
	clock = clock.Add(time.Minute)
	earlier := p.Transactions()

	loan, err := p.ApplyForLoan(domain.LoanApplication{Amount: dec("1000"), CollateralToken: "DGOLD", CollateralRatio: 150, TermDays: 30})
	if err != nil {
		t.Fatalf("ApplyForLoan: %v", err)
	}
	clock = clock.Add(time.Minute)
	if _, err := p.Withdraw(dec("500")); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	clock = clock.Add(time.Minute)
	if _, err := p.RepayLoan(loan.ID.String()); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	p.ReplaceTransactions(p.Transactions())

	later := make(map[uuid.UUID]domain.Transaction)
	for _, tx := range p.Transactions() {
		later[tx.ID] = tx
	}
	if len(later) <= len(earlier) {
		t.Fatalf("expected later operations to add records, got %d", len(later))
	}
	for _, want := range earlier {
		got, ok := later[want.ID]
		if !ok {
			t.Fatalf("record %s disappeared", want.ID)
		}
		if !got.Date.Equal(want.Date) || got.Type != want.Type || got.Asset != want.Asset ||
			!got.Amount.Equal(want.Amount) || !got.Value.Equal(want.Value) || got.Status != want.Status {
			t.Fatalf("record %s changed: %+v -> %+v", want.ID, want, got)
		}
	}
}

func TestPortfolio_SealRejectsMutations(t *testing.T) {
	p, persister := newLoadedPortfolio(t, "100")

	p.Seal()
	if _, err := p.Deposit(dec("10")); !errors.Is(err, ErrPortfolioClosed) {
		t.Fatalf("expected ErrPortfolioClosed, got %v", err)
	}
	if !p.WalletBalance().Equal(dec("100")) {
		t.Fatalf("wallet = %s, want 100", p.WalletBalance())
	}
	if persister.snapshots != 0 || len(persister.txs) != 0 {
		t.Fatal("expected nothing handed to the detached persister")
	}
	if !p.Sealed() {
		t.Fatal("expected portfolio to report sealed")
	}
}

func goldWithBalance(balance decimal.Decimal) domain.Token {
	token := goldToken()
	token.Balance = balance
	return token
}
