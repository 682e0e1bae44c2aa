// Package ledgertx builds and partially signs the two Solana
// transaction shapes the worker ever co-signs: creating a compressed
// NFT tree, and minting an attestation-backed leaf into one. Neither
// mpl-bubblegum nor spl-account-compression has a Go binding, so both
// programs' instruction data is borsh-encoded by hand, the same way
// solana-go's own bundled program packages are generated from an IDL.
//
// The worker never holds a fee-payer's full signature set: it
// contributes exactly the signature for its own signing key (tree
// creator, or tree delegate / collection authority) and leaves the
// remaining slot for the caller's wallet to fill in afterward.
package ledgertx

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// splAccountCompressionV2ProgramID is the V2 SPL Account Compression
// program mpl-bubblegum V2 trees are allocated under.
var splAccountCompressionV2ProgramID = solana.MustPublicKeyFromBase58("mcmt6YrQEMKw8Mw43FmpRLmf7BqRnFMKmAcbxE3xkAW")

// bubblegumProgramID is the Metaplex Bubblegum V2 program.
var bubblegumProgramID = solana.MustPublicKeyFromBase58("BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY")

// splNoopProgramID is the SPL "no-op" log-wrapper program every
// compression instruction threads through so indexers can replay the
// change log from transaction logs.
var splNoopProgramID = solana.MustPublicKeyFromBase58("noopb9bkMBcBqB7dJgQyJJiDb5B9KfVxfWD3sQoF5Q9")

// TreeConfig derives the Bubblegum tree_config PDA for a tree account:
// seeds = [merkle_tree], program = Bubblegum.
func TreeConfig(merkleTree solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{merkleTree.Bytes()}, bubblegumProgramID)
}

// MPLCoreCPISigner derives the PDA Bubblegum signs CPIs into MPL Core
// with when minting into a collection: seeds = ["mpl_core_cpi_signer"],
// program = Bubblegum.
func MPLCoreCPISigner() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("mpl_core_cpi_signer")}, bubblegumProgramID)
}

// TreeParams sizes a new compressed-tree account.
type TreeParams struct {
	MaxDepth      uint32
	MaxBufferSize uint32
}

// MerkleTreeAccountSize computes the byte size of a concurrent Merkle
// tree account under the V2 Account Compression layout: an 8-byte
// discriminator plus header, the fixed ConcurrentMerkleTree header,
// MaxBufferSize change-log slots, and one right-most-path slot.
func MerkleTreeAccountSize(p TreeParams) uint64 {
	d := uint64(p.MaxDepth)
	b := uint64(p.MaxBufferSize)

	const headerSize = 8 + 1 + 4 + 4 + 32 + 8 + 1 + 5 // discriminator + type + buf_size + depth + authority + creation_slot + flag + padding = 63
	const treeHeaderSize = 24                          // sequence_number + active_index + buffer_size

	changeLogSize := 32 + d*32 + 4 + 4 // root + path_nodes + index + padding
	pathSize := 32 + d*32 + 4          // leaf + proof + index

	return headerSize + treeHeaderSize + b*changeLogSize + pathSize
}

// RentExemptMinimum is Solana's rent-exempt lamport floor for an
// account of dataLen bytes, at the network's standard lamports-per-
// byte-year rate.
func RentExemptMinimum(dataLen uint64) uint64 {
	return (128 + dataLen) * 6960
}

// anchorDiscriminator reproduces Anchor's instruction-discriminator
// convention: the first 8 bytes of sha256("global:<name>").
func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// BuildCreateTreeTransaction builds the two-instruction transaction
// that allocates a compressed-tree account and initializes its
// Bubblegum tree config. payer funds the new account, which is owned
// by the account-compression program; treeKey
// is the new tree account itself; treeCreator becomes the tree's
// creator of record. All three must sign; the worker signs as
// treeCreator (and, when it also generated the tree keypair, as
// treeKey) via ApplyPartialSignature, leaving payer's slot for the
// caller's wallet.
func BuildCreateTreeTransaction(payer, treeKey, treeCreator solana.PublicKey, params TreeParams, blockhash solana.Hash) (*solana.Transaction, error) {
	space := MerkleTreeAccountSize(params)
	lamports := RentExemptMinimum(space)

	createAccountIx := system.NewCreateAccountInstructionBuilder().
		SetLamports(lamports).
		SetSpace(space).
		SetOwner(splAccountCompressionV2ProgramID).
		SetFundingAccount(payer).
		SetNewAccount(treeKey).
		Build()

	treeConfig, _, err := TreeConfig(treeKey)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.Internal, "derive tree config PDA")
	}

	data := make([]byte, 0, 8+4+4)
	data = append(data, anchorDiscriminator("create_tree_config_v2")...)
	data = binary.LittleEndian.AppendUint32(data, params.MaxDepth)
	data = binary.LittleEndian.AppendUint32(data, params.MaxBufferSize)

	createTreeIx := solana.NewInstruction(bubblegumProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(treeConfig, true, false),
		solana.NewAccountMeta(treeKey, true, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(treeCreator, false, true),
		solana.NewAccountMeta(splNoopProgramID, false, false),
		solana.NewAccountMeta(splAccountCompressionV2ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)

	return solana.NewTransaction(
		[]solana.Instruction{createAccountIx, createTreeIx},
		blockhash,
		solana.TransactionPayer(payer),
	)
}

// creator mirrors Bubblegum's borsh Creator struct.
type creator struct {
	Address  solana.PublicKey
	Verified bool
	Share    uint8
}

// tokenStandardNonFungible is MetadataArgsV2's TokenStandard enum
// discriminant for a non-fungible, non-compressible token.
const tokenStandardNonFungible uint8 = 0

// metadataArgsV2 mirrors Bubblegum's borsh MetadataArgsV2 struct: a
// fixed field order is load-bearing for the program to decode it.
type metadataArgsV2 struct {
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	PrimarySaleHappened  bool
	IsMutable            bool
	TokenStandard        *uint8
	Creators             []creator
	Collection           *solana.PublicKey
}

// MintParams describes one leaf to mint into an existing tree.
type MintParams struct {
	TreeKey          solana.PublicKey
	SigningPubkey    solana.PublicKey // tree_creator_or_delegate, and collection_authority when CoreCollection is set
	CreatorWallet    solana.PublicKey // fee payer and leaf owner
	ContentID        string           // used to derive the cNFT's display name
	AttestationURI   string           // URI of the signed attestation JSON, becomes the leaf's metadata URI
	CoreCollection   *solana.PublicKey
}

// validateMintParams confirms the fields BuildMintTransaction assumes are set.
func validateMintParams(p MintParams) error {
	var zero solana.PublicKey
	if p.TreeKey == zero || p.SigningPubkey == zero || p.CreatorWallet == zero {
		return workererr.New(workererr.BadRequest, "mint requires tree, signing, and creator-wallet public keys")
	}
	if p.AttestationURI == "" {
		return workererr.New(workererr.BadRequest, "mint requires a non-empty attestation URI")
	}
	return nil
}

// titleName derives "Title #<up to 8 hex chars>" from a content id,
// tolerating an optional "0x" prefix.
func titleName(contentID string) string {
	suffix := strings.TrimPrefix(strings.TrimPrefix(contentID, "0x"), "0X")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "Title #" + suffix
}

// BuildMintTransaction builds the single-instruction transaction that
// mints one compressed leaf carrying the attestation URI as its
// metadata URI. CreatorWallet pays and owns the leaf; SigningPubkey
// authorizes the mint as tree delegate (and, when minting into a
// collection, as collection authority). The worker partially signs as
// SigningPubkey via ApplyPartialSignature; CreatorWallet signs
// separately, outside the worker.
func BuildMintTransaction(p MintParams, blockhash solana.Hash) (*solana.Transaction, error) {
	if err := validateMintParams(p); err != nil {
		return nil, err
	}

	treeConfig, _, err := TreeConfig(p.TreeKey)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.Internal, "derive tree config PDA")
	}

	tokenStandard := tokenStandardNonFungible
	metadata := metadataArgsV2{
		Name:                 titleName(p.ContentID),
		Symbol:               "TITLE",
		URI:                  p.AttestationURI,
		SellerFeeBasisPoints: 0,
		PrimarySaleHappened:  false,
		IsMutable:            false,
		TokenStandard:        &tokenStandard,
		Creators: []creator{
			{Address: p.CreatorWallet, Verified: false, Share: 100},
		},
		Collection: p.CoreCollection,
	}

	encoded, err := bin.MarshalBorsh(metadata)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.Internal, "borsh-encode mint metadata")
	}
	data := append(anchorDiscriminator("mint_v2"), encoded...)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(treeConfig, false, false),
		solana.NewAccountMeta(p.TreeKey, true, false),
		solana.NewAccountMeta(p.CreatorWallet, true, true),
		solana.NewAccountMeta(p.SigningPubkey, false, true),
		solana.NewAccountMeta(p.CreatorWallet, false, false), // leaf_owner
	}
	if p.CoreCollection != nil {
		cpiSigner, _, err := MPLCoreCPISigner()
		if err != nil {
			return nil, workererr.Wrap(err, workererr.Internal, "derive MPL Core CPI signer PDA")
		}
		accounts = append(accounts,
			solana.NewAccountMeta(*p.CoreCollection, true, false),
			solana.NewAccountMeta(cpiSigner, false, false),
		)
	}
	accounts = append(accounts,
		solana.NewAccountMeta(splNoopProgramID, false, false),
		solana.NewAccountMeta(splAccountCompressionV2ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	)

	mintIx := solana.NewInstruction(bubblegumProgramID, accounts, data)

	return solana.NewTransaction(
		[]solana.Instruction{mintIx},
		blockhash,
		solana.TransactionPayer(p.CreatorWallet),
	)
}

// ApplyPartialSignature signs tx's message with sign and places the
// resulting Ed25519 signature in the slot belonging to pub, leaving
// every other signer's slot untouched. It fails if pub is not among
// the transaction's required signers. sign takes the exact bytes to
// sign and returns a 64-byte Ed25519 signature; this indirection lets
// callers sign with a key they never expose directly (pkg/keystore's
// Sign method matches this shape).
func ApplyPartialSignature(tx *solana.Transaction, pub solana.PublicKey, sign func(message []byte) []byte) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return workererr.Wrap(err, workererr.Internal, "marshal transaction message for signing")
	}
	sig := sign(msg)
	if len(sig) != 64 {
		return workererr.New(workererr.Internal, "signature must be 64 bytes")
	}

	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i, key := range tx.Message.AccountKeys {
		if i >= numSigners {
			break
		}
		if key.Equals(pub) {
			copy(tx.Signatures[i][:], sig)
			return nil
		}
	}
	return workererr.New(workererr.BadRequest, fmt.Sprintf("public key %s is not a signer of this transaction", pub))
}

// Serialize encodes tx in the wire format the ledger RPC expects.
func Serialize(tx *solana.Transaction) ([]byte, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return nil, workererr.Wrap(err, workererr.Internal, "serialize transaction")
	}
	return data, nil
}
