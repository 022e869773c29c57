// Package txn holds the transaction data model and the pure stages of the
// send pipeline: instruction building, assembly, and the wire codec.
package txn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// AccountRef is one entry of an instruction's account list.
type AccountRef struct {
	Address    solana.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"isSigner"`
	IsWritable bool             `json:"isWritable"`
}

// Instruction is an immutable on-chain instruction record. It implements
// solana.Instruction so it can be handed straight to solana.NewTransaction.
type Instruction struct {
	program  solana.PublicKey
	accounts []AccountRef
	data     []byte
}

// NewInstruction copies its arguments so later mutation by the caller cannot
// leak into the instruction.
func NewInstruction(program solana.PublicKey, accounts []AccountRef, data []byte) Instruction {
	return Instruction{
		program:  program,
		accounts: append([]AccountRef(nil), accounts...),
		data:     append([]byte(nil), data...),
	}
}

// FromSolana converts an instruction produced by a solana-go program builder.
func FromSolana(ix solana.Instruction) (Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return Instruction{}, fmt.Errorf("failed to encode instruction data: %w", err)
	}
	metas := ix.Accounts()
	accounts := make([]AccountRef, 0, len(metas))
	for _, m := range metas {
		accounts = append(accounts, AccountRef{Address: m.PublicKey, IsSigner: m.IsSigner, IsWritable: m.IsWritable})
	}
	return NewInstruction(ix.ProgramID(), accounts, data), nil
}

func (ix Instruction) ProgramID() solana.PublicKey { return ix.program }

func (ix Instruction) Accounts() []*solana.AccountMeta {
	out := make([]*solana.AccountMeta, 0, len(ix.accounts))
	for _, a := range ix.accounts {
		out = append(out, &solana.AccountMeta{PublicKey: a.Address, IsSigner: a.IsSigner, IsWritable: a.IsWritable})
	}
	return out
}

func (ix Instruction) Data() ([]byte, error) {
	return append([]byte(nil), ix.data...), nil
}

// AccountRefs returns a copy of the account list.
func (ix Instruction) AccountRefs() []AccountRef {
	return append([]AccountRef(nil), ix.accounts...)
}

type instructionJSON struct {
	ProgramID solana.PublicKey `json:"programId"`
	Accounts  []AccountRef     `json:"keys"`
	Data      string           `json:"data"`
}

func (ix Instruction) MarshalJSON() ([]byte, error) {
	accounts := ix.accounts
	if accounts == nil {
		accounts = []AccountRef{}
	}
	return json.Marshal(instructionJSON{
		ProgramID: ix.program,
		Accounts:  accounts,
		Data:      base64.StdEncoding.EncodeToString(ix.data),
	})
}

func (ix *Instruction) UnmarshalJSON(b []byte) error {
	var raw instructionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("failed to decode instruction data: %w", err)
	}
	*ix = NewInstruction(raw.ProgramID, raw.Accounts, data)
	return nil
}

// UnsignedTransaction is the assembler's output. Use Assembler.Assemble to
// construct one; the zero value is not valid.
type UnsignedTransaction struct {
	Instructions []Instruction
	FeePayer     solana.PublicKey
	Blockhash    solana.Hash
}

// Validate enforces the pre-signing invariants.
func (u *UnsignedTransaction) Validate() error {
	if u == nil || len(u.Instructions) == 0 {
		return txerr.ErrEmptyInstructionSet.Withf("validate", "transaction has no instructions")
	}
	if u.FeePayer.IsZero() {
		return txerr.ErrMissingFeePayer.Withf("validate", "fee payer is not set")
	}
	if u.Blockhash.IsZero() {
		return txerr.ErrMissingFreshnessToken.Withf("validate", "recent blockhash is not set")
	}
	return nil
}

// Transaction builds the legacy solana transaction ready for signing.
func (u *UnsignedTransaction) Transaction() (*solana.Transaction, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	ixs := make([]solana.Instruction, 0, len(u.Instructions))
	for _, ix := range u.Instructions {
		ixs = append(ixs, ix)
	}
	tx, err := solana.NewTransaction(ixs, u.Blockhash, solana.TransactionPayer(u.FeePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// ConfirmationStatus is the observed commitment of a submitted signature.
type ConfirmationStatus int

const (
	StatusUnknown ConfirmationStatus = iota
	StatusProcessed
	StatusConfirmed
	StatusFinalized
	StatusFailed
)

func (s ConfirmationStatus) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusConfirmed:
		return "confirmed"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether polling can stop at this status.
func (s ConfirmationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFinalized || s == StatusFailed
}

// Succeeded reports whether the status means the transaction landed.
func (s ConfirmationStatus) Succeeded() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

func (s ConfirmationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConfirmationStatus) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// ParseStatus maps a status string back to a ConfirmationStatus. Anything
// unrecognized is StatusUnknown.
func ParseStatus(s string) ConfirmationStatus {
	switch strings.ToLower(s) {
	case "processed":
		return StatusProcessed
	case "confirmed":
		return StatusConfirmed
	case "finalized":
		return StatusFinalized
	case "failed":
		return StatusFailed
	}
	return StatusUnknown
}

// Stage is a pipeline state machine position.
type Stage string

const (
	StageValidated Stage = "validated"
	StageBuilt     Stage = "built"
	StageQuoted    Stage = "quoted"
	StageSigned    Stage = "signed"
	StageSubmitted Stage = "submitted"
	StageConfirmed Stage = "confirmed"
	StageFinalized Stage = "finalized"
	StageFailed    Stage = "failed"
	StageUnknown   Stage = "unknown"
	StageRejected  Stage = "rejected"
)

// StageFor maps a poller outcome onto the terminal pipeline stage.
func StageFor(s ConfirmationStatus) Stage {
	switch s {
	case StatusConfirmed:
		return StageConfirmed
	case StatusFinalized:
		return StageFinalized
	case StatusFailed:
		return StageFailed
	}
	return StageUnknown
}

// NativeDecimals is the number of decimal places of the native token.
const NativeDecimals uint8 = 9

// TransferIntent is raw user input for a transfer. Mint is empty for a
// native transfer.
type TransferIntent struct {
	From   string          `json:"fromAddress"`
	To     string          `json:"toAddress"`
	Amount decimal.Decimal `json:"amount"`
	Mint   string          `json:"tokenMint,omitempty"`
}

// ValidIntent is a TransferIntent whose addresses parsed and whose amount is
// positive.
type ValidIntent struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount decimal.Decimal
	Mint   *solana.PublicKey
}

// IsNative reports whether the intent moves the native token.
func (v ValidIntent) IsNative() bool { return v.Mint == nil }

// Validate checks the intent before anything touches the network.
func (t TransferIntent) Validate() (ValidIntent, error) {
	from, err := ParseAddress("from", t.From)
	if err != nil {
		return ValidIntent{}, err
	}
	to, err := ParseAddress("to", t.To)
	if err != nil {
		return ValidIntent{}, err
	}
	if !t.Amount.IsPositive() {
		return ValidIntent{}, txerr.ErrInvalidAmount.Withf("validate", "amount must be greater than zero, got %s", t.Amount)
	}
	out := ValidIntent{From: from, To: to, Amount: t.Amount}
	if t.Mint != "" {
		mint, err := ParseAddress("mint", t.Mint)
		if err != nil {
			return ValidIntent{}, err
		}
		out.Mint = &mint
	}
	return out, nil
}

// ParseAddress parses a base58 address, naming the field on failure.
func ParseAddress(field, s string) (solana.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return solana.PublicKey{}, txerr.ErrInvalidAddress.Withf("validate", "%s address is required", field)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, txerr.ErrInvalidAddress.With("validate", fmt.Errorf("%s address %q: %w", field, s, err))
	}
	return pk, nil
}

// Submitter sends a signed transaction exactly once and returns its
// signature. Implementations must not retry.
type Submitter interface {
	Submit(ctx context.Context, tx *SignedTransaction) (solana.Signature, error)
}

// Watcher keeps following a signature after its pipeline has stopped
// polling, so an unknown outcome is eventually resolved.
type Watcher interface {
	Watch(ctx context.Context, sig solana.Signature, wallet string) error
}
