package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
)

// rsaKeyValue mirrors the legacy <RSAKeyValue> public key container used by
// client runtimes whose crypto API cannot parse PKIX/PEM.
type rsaKeyValue struct {
	XMLName  xml.Name `xml:"RSAKeyValue"`
	Modulus  string   `xml:"Modulus"`
	Exponent string   `xml:"Exponent"`
}

// MarshalXMLPublicKey serializes an RSA public key as
// <RSAKeyValue><Modulus>...</Modulus><Exponent>...</Exponent></RSAKeyValue>
// with base64 big-endian integer values. A modulus whose high bit is set is
// prefixed with a zero byte so two's-complement-sensitive consumers do not
// read it as negative.
func MarshalXMLPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.N == nil {
		return nil, errors.New("nil public key")
	}

	modulus := padSignBit(pub.N.Bytes())
	exponent := padSignBit(big.NewInt(int64(pub.E)).Bytes())

	out, err := xml.Marshal(rsaKeyValue{
		Modulus:  base64.StdEncoding.EncodeToString(modulus),
		Exponent: base64.StdEncoding.EncodeToString(exponent),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal xml key: %w", err)
	}
	return out, nil
}

// UnmarshalXMLPublicKey parses the legacy XML public key container.
func UnmarshalXMLPublicKey(data []byte) (*rsa.PublicKey, error) {
	var kv rsaKeyValue
	if err := xml.Unmarshal(data, &kv); err != nil {
		return nil, fmt.Errorf("parse xml key: %w", err)
	}

	modulus, err := base64.StdEncoding.DecodeString(kv.Modulus)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	exponent, err := base64.StdEncoding.DecodeString(kv.Exponent)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("xml key missing modulus or exponent")
	}

	n := new(big.Int).SetBytes(modulus)
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unreasonable public exponent")
	}
	if n.BitLen() < 2048 {
		return nil, fmt.Errorf("modulus too small: %d bits", n.BitLen())
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// padSignBit prepends a zero byte when the leading byte has its high bit
// set, preserving the value for signed big-integer parsers.
func padSignBit(b []byte) []byte {
	if len(b) > 0 && b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}
