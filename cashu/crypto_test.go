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

package cashu

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsback/satsback/model"
)

// signBlinded plays the mint: C_ = k * B_.
func signBlinded(t *testing.T, mintKey *btcec.PrivateKey, blindedHex string) string {
	t.Helper()
	blindedBytes, err := hex.DecodeString(blindedHex)
	require.NoError(t, err)
	blinded, err := btcec.ParsePubKey(blindedBytes)
	require.NoError(t, err)

	var bPoint, cPoint btcec.JacobianPoint
	blinded.AsJacobian(&bPoint)
	btcec.ScalarMultNonConst(&mintKey.Key, &bPoint, &cPoint)
	cPoint.ToAffine()
	return hex.EncodeToString(btcec.NewPublicKey(&cPoint.X, &cPoint.Y).SerializeCompressed())
}

// expectedSignature computes k * hash_to_curve(secret), what a valid
// unblinded signature must equal.
func expectedSignature(t *testing.T, mintKey *btcec.PrivateKey, secret string) string {
	t.Helper()
	y, err := hashToCurve([]byte(secret))
	require.NoError(t, err)

	var yPoint, cPoint btcec.JacobianPoint
	y.AsJacobian(&yPoint)
	btcec.ScalarMultNonConst(&mintKey.Key, &yPoint, &cPoint)
	cPoint.ToAffine()
	return hex.EncodeToString(btcec.NewPublicKey(&cPoint.X, &cPoint.Y).SerializeCompressed())
}

func TestHashToCurve_Deterministic(t *testing.T) {
	p1, err := hashToCurve([]byte("test_message"))
	require.NoError(t, err)
	p2, err := hashToCurve([]byte("test_message"))
	require.NoError(t, err)
	assert.Equal(t, p1.SerializeCompressed(), p2.SerializeCompressed())

	p3, err := hashToCurve([]byte("other_message"))
	require.NoError(t, err)
	assert.NotEqual(t, p1.SerializeCompressed(), p3.SerializeCompressed())
}

func TestBlindSignRoundTrip(t *testing.T) {
	mintKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	outputs, err := newBlindedOutputs(90, "00abc")
	require.NoError(t, err)
	require.Len(t, outputs, 4) // 90 = 2 + 8 + 16 + 64

	signatures := make([]blindSignature, len(outputs))
	keys := make(map[int64]string)
	for i, output := range outputs {
		signatures[i] = blindSignature{
			Amount: output.Amount,
			ID:     output.KeysetID,
			C:      signBlinded(t, mintKey, output.BlindedMessage),
		}
		keys[output.Amount] = hex.EncodeToString(mintKey.PubKey().SerializeCompressed())
	}

	keyset := &model.MintKeyset{
		MintURL:  "https://mint.example.com",
		KeysetID: "00abc",
		Unit:     "sat",
		Active:   true,
		Keys:     keys,
	}

	proofs, err := unblindProofs("store_1", "https://mint.example.com", "sat", outputs, signatures, keyset)
	require.NoError(t, err)
	require.Len(t, proofs, 4)

	assert.Equal(t, int64(90), model.SumProofs(proofs))
	for _, proof := range proofs {
		// A correctly unblinded proof equals the mint signing the bare
		// secret point, without the mint ever seeing the secret.
		assert.Equal(t, expectedSignature(t, mintKey, proof.Secret), proof.C)
		assert.Equal(t, "store_1", proof.StoreID)
		assert.Equal(t, "00abc", proof.KeysetID)
	}
}

func TestUnblindProofs_SignatureCountMismatch(t *testing.T) {
	outputs, err := newBlindedOutputs(3, "00abc")
	require.NoError(t, err)

	_, err = unblindProofs("store_1", "https://mint.example.com", "sat", outputs, nil, &model.MintKeyset{KeysetID: "00abc"})
	assert.Error(t, err)
}

func TestSplitAmount(t *testing.T) {
	assert.Equal(t, []int64{2, 8, 16, 64}, splitAmount(90))
	assert.Equal(t, []int64{1}, splitAmount(1))
	assert.Nil(t, splitAmount(0))
	assert.Equal(t, []int64{1, 2, 4, 8, 16, 32, 64}, splitAmount(127))
}

func TestSerializeToken(t *testing.T) {
	proofs := []model.Proof{
		{KeysetID: "00abc", Amount: 64, Secret: "s1", C: "02aa"},
		{KeysetID: "00abc", Amount: 8, Secret: "s2", C: "02bb"},
	}

	token, err := SerializeToken("https://mint.example.com", "sat", "thanks for shopping", proofs)
	require.NoError(t, err)
	assert.Contains(t, token, "cashuA")

	mintURL, unit, parsed, err := DeserializeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "https://mint.example.com", mintURL)
	assert.Equal(t, "sat", unit)
	require.Len(t, parsed, 2)
	assert.Equal(t, int64(72), model.SumProofs(parsed))
	assert.Equal(t, "s1", parsed[0].Secret)
}

func TestDeserializeToken_Invalid(t *testing.T) {
	_, _, _, err := DeserializeToken("lnbc1notatoken")
	assert.Error(t, err)

	_, _, _, err = DeserializeToken("cashuAnot-base64!!")
	assert.Error(t, err)
}
