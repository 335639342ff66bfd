/*
Copyright 2025 Satsback Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cashu implements the ecash wallet: blind signatures over
// secp256k1, the mint HTTP protocol, and the proof ledger operations
// built on them.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/satsback/satsback/model"
)

// hashToCurveDomain is the domain separator for mapping secrets onto the
// curve. Changing it would orphan every proof already issued.
const hashToCurveDomain = "Secp256k1_HashToCurve_Cashu_"

var errNoCurvePoint = errors.New("no valid curve point found for message")

// hashToCurve deterministically maps a secret to a secp256k1 point Y.
// It hashes the domain-separated message, then walks a little-endian
// counter until the digest is a valid x coordinate with even y.
func hashToCurve(message []byte) (*btcec.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(hashToCurveDomain), message...))
	counterBytes := make([]byte, 4)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		digest := sha256.Sum256(append(msgHash[:], counterBytes...))
		point, err := btcec.ParsePubKey(append([]byte{0x02}, digest[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, errNoCurvePoint
}

// blindMessage computes B_ = Y + r*G for a fresh blinding factor r.
func blindMessage(secret []byte, r *btcec.PrivateKey) (*btcec.PublicKey, error) {
	y, err := hashToCurve(secret)
	if err != nil {
		return nil, err
	}

	var yPoint, rPoint, sum btcec.JacobianPoint
	y.AsJacobian(&yPoint)
	btcec.ScalarBaseMultNonConst(&r.Key, &rPoint)
	btcec.AddNonConst(&yPoint, &rPoint, &sum)
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// unblindSignature recovers C = C_ - r*K, the mint's signature over the
// secret. K is the mint public key for the denomination.
func unblindSignature(blindedSig *btcec.PublicKey, r *btcec.PrivateKey, mintKey *btcec.PublicKey) *btcec.PublicKey {
	var kPoint, rkPoint, cPoint, result btcec.JacobianPoint
	mintKey.AsJacobian(&kPoint)
	btcec.ScalarMultNonConst(&r.Key, &kPoint, &rkPoint)
	rkPoint.ToAffine()
	rkPoint.Y.Negate(1)
	rkPoint.Y.Normalize()

	blindedSig.AsJacobian(&cPoint)
	btcec.AddNonConst(&cPoint, &rkPoint, &result)
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y)
}

// splitAmount decomposes an amount into powers of two, smallest first,
// matching the denominations mints sign.
func splitAmount(amount int64) []int64 {
	var parts []int64
	for bit := 0; bit < 63; bit++ {
		denom := int64(1) << bit
		if amount&denom != 0 {
			parts = append(parts, denom)
		}
	}
	return parts
}

// newBlindedOutputs creates one blinded output per denomination of
// amount, each with a fresh random secret and blinding factor. The
// secret and factor stay local; only the blinded message goes to the
// mint.
func newBlindedOutputs(amount int64, keysetID string) ([]model.BlindedOutput, error) {
	outputs := make([]model.BlindedOutput, 0, 4)
	for _, denom := range splitAmount(amount) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generating blinding factor: %w", err)
		}

		blinded, err := blindMessage([]byte(secret), r)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, model.BlindedOutput{
			Amount:         denom,
			KeysetID:       keysetID,
			BlindedMessage: hex.EncodeToString(blinded.SerializeCompressed()),
			Secret:         secret,
			BlindingFactor: hex.EncodeToString(r.Serialize()),
		})
	}
	return outputs, nil
}

// unblindProofs turns the mint's blinded signatures back into spendable
// proofs. Signatures are matched to outputs by position; the keyset
// supplies the mint key per denomination.
func unblindProofs(storeID, mintURL, unit string, outputs []model.BlindedOutput, signatures []blindSignature, keyset *model.MintKeyset) ([]model.Proof, error) {
	if len(signatures) != len(outputs) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(signatures), len(outputs))
	}

	proofs := make([]model.Proof, 0, len(outputs))
	for i, sig := range signatures {
		output := outputs[i]

		sigBytes, err := hex.DecodeString(sig.C)
		if err != nil {
			return nil, fmt.Errorf("decoding blinded signature: %w", err)
		}
		blindedSig, err := btcec.ParsePubKey(sigBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing blinded signature: %w", err)
		}

		rBytes, err := hex.DecodeString(output.BlindingFactor)
		if err != nil {
			return nil, fmt.Errorf("decoding blinding factor: %w", err)
		}
		r, _ := btcec.PrivKeyFromBytes(rBytes)

		mintKeyHex := keyset.PublicKeyFor(output.Amount)
		if mintKeyHex == "" {
			return nil, fmt.Errorf("keyset %s has no key for amount %d", keyset.KeysetID, output.Amount)
		}
		mintKeyBytes, err := hex.DecodeString(mintKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding mint key: %w", err)
		}
		mintKey, err := btcec.ParsePubKey(mintKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing mint key: %w", err)
		}

		c := unblindSignature(blindedSig, r, mintKey)
		proofs = append(proofs, model.Proof{
			StoreID:  storeID,
			MintURL:  mintURL,
			Unit:     unit,
			KeysetID: output.KeysetID,
			Amount:   output.Amount,
			Secret:   output.Secret,
			C:        hex.EncodeToString(c.SerializeCompressed()),
		})
	}
	return proofs, nil
}
