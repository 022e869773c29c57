package txn

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.NewWallet().PublicKey()
}

func TestBuildTransfer_Native(t *testing.T) {
	from, to := newKey(t), newKey(t)

	intent, err := TransferIntent{
		From:   from.String(),
		To:     to.String(),
		Amount: decimal.RequireFromString("0.01"),
	}.Validate()
	require.NoError(t, err)

	ixs, err := BuildTransfer(intent, AccountState{})
	require.NoError(t, err)
	require.Len(t, ixs, 1)

	ix := ixs[0]
	assert.Equal(t, solana.SystemProgramID, ix.ProgramID())

	accounts := ix.AccountRefs()
	require.Len(t, accounts, 2)
	assert.Equal(t, from, accounts[0].Address)
	assert.True(t, accounts[0].IsSigner)
	assert.Equal(t, to, accounts[1].Address)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 12)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[:4]), "system transfer discriminator")
	assert.Equal(t, uint64(10_000_000), binary.LittleEndian.Uint64(data[4:]))
}

func TestBuildTransfer_NativeAlwaysOneInstruction(t *testing.T) {
	amounts := []string{"0.000000001", "0.5", "1", "12.345678912", "1000000"}
	for _, a := range amounts {
		t.Run(a, func(t *testing.T) {
			intent := ValidIntent{From: newKey(t), To: newKey(t), Amount: decimal.RequireFromString(a)}
			ixs, err := BuildTransfer(intent, AccountState{})
			require.NoError(t, err)
			assert.Len(t, ixs, 1)
		})
	}
}

func TestBuildTransfer_TokenWithoutRecipientAccount(t *testing.T) {
	from, to, mint, source := newKey(t), newKey(t), newKey(t), newKey(t)

	intent := ValidIntent{From: from, To: to, Amount: decimal.RequireFromString("2.5"), Mint: &mint}
	ixs, err := BuildTransfer(intent, AccountState{SourceTokenAccount: &source, Decimals: 6})
	require.NoError(t, err)
	require.Len(t, ixs, 2)

	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ixs[0].ProgramID(), "create account comes first")
	assert.Equal(t, solana.TokenProgramID, ixs[1].ProgramID())

	ata, _, err := solana.FindAssociatedTokenAddress(to, mint)
	require.NoError(t, err)

	transfer := ixs[1].AccountRefs()
	require.Len(t, transfer, 4)
	assert.Equal(t, source, transfer[0].Address)
	assert.Equal(t, mint, transfer[1].Address)
	assert.Equal(t, ata, transfer[2].Address)
	assert.Equal(t, from, transfer[3].Address)
	assert.True(t, transfer[3].IsSigner)

	data, err := ixs[1].Data()
	require.NoError(t, err)
	require.Len(t, data, 10)
	assert.Equal(t, byte(token.Instruction_TransferChecked), data[0])
	assert.Equal(t, uint64(2_500_000), binary.LittleEndian.Uint64(data[1:9]))
	assert.Equal(t, byte(6), data[9], "decimals travel with the amount")
}

func TestBuildTransfer_TokenWithRecipientAccount(t *testing.T) {
	mint, source := newKey(t), newKey(t)
	intent := ValidIntent{From: newKey(t), To: newKey(t), Amount: decimal.NewFromInt(1), Mint: &mint}

	ixs, err := BuildTransfer(intent, AccountState{SourceTokenAccount: &source, Decimals: 9, RecipientHasAssociatedAccount: true})
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	assert.Equal(t, solana.TokenProgramID, ixs[0].ProgramID())
}

func TestBuildTransfer_MissingSourceAccount(t *testing.T) {
	mint := newKey(t)
	intent := ValidIntent{From: newKey(t), To: newKey(t), Amount: decimal.NewFromInt(1), Mint: &mint}

	_, err := BuildTransfer(intent, AccountState{Decimals: 6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrSourceAccountNotFound))
	assert.Equal(t, txerr.KindValidation, txerr.Classify(err))
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{amount: "0.01", decimals: 9, want: 10_000_000},
		{amount: "1.5", decimals: 6, want: 1_500_000},
		{amount: "1.23456789", decimals: 2, want: 123},
		{amount: "7", decimals: 0, want: 7},
		{amount: "0.0000000001", decimals: 9, wantErr: true},
		{amount: "0.4", decimals: 0, wantErr: true},
		{amount: "18446744073709551616", decimals: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, txerr.ErrInvalidAmount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransferIntentValidate(t *testing.T) {
	good := newKey(t).String()

	tests := []struct {
		name    string
		intent  TransferIntent
		wantErr *txerr.Error
	}{
		{name: "zero amount", intent: TransferIntent{From: good, To: good, Amount: decimal.Zero}, wantErr: txerr.ErrInvalidAmount},
		{name: "negative amount", intent: TransferIntent{From: good, To: good, Amount: decimal.NewFromInt(-1)}, wantErr: txerr.ErrInvalidAmount},
		{name: "bad from", intent: TransferIntent{From: "not-base58!", To: good, Amount: decimal.NewFromInt(1)}, wantErr: txerr.ErrInvalidAddress},
		{name: "missing to", intent: TransferIntent{From: good, Amount: decimal.NewFromInt(1)}, wantErr: txerr.ErrInvalidAddress},
		{name: "bad mint", intent: TransferIntent{From: good, To: good, Amount: decimal.NewFromInt(1), Mint: "xyz"}, wantErr: txerr.ErrInvalidAddress},
		{name: "native ok", intent: TransferIntent{From: good, To: good, Amount: decimal.NewFromInt(1)}},
		{name: "token ok", intent: TransferIntent{From: good, To: good, Amount: decimal.NewFromInt(1), Mint: solana.SolMint.String()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.intent.Validate()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Equal(t, txerr.KindValidation, txerr.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.intent.Mint == "", v.IsNative())
		})
	}
}

func TestInstructionIsImmutable(t *testing.T) {
	data := []byte{1, 2, 3}
	accounts := []AccountRef{{Address: newKey(t), IsWritable: true}}
	ix := NewInstruction(solana.SystemProgramID, accounts, data)

	data[0] = 9
	accounts[0].IsSigner = true

	got, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.False(t, ix.AccountRefs()[0].IsSigner)

	got[1] = 9
	again, _ := ix.Data()
	assert.Equal(t, []byte{1, 2, 3}, again)
}
