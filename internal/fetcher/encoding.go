package fetcher

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"
)

// EncodingAuto sniffs the input: UTF-8 (with or without BOM) or CP949.
const EncodingAuto = "auto"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeBytes converts raw export bytes to UTF-8 text and reports the
// encoding it used. Clinic systems export CP949 (a superset of EUC-KR) when
// the file is not UTF-8.
func DecodeBytes(data []byte, name string) (string, string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == EncodingAuto {
		switch {
		case bytes.HasPrefix(data, utf8BOM):
			return string(data[len(utf8BOM):]), "utf-8-bom", nil
		case utf8.Valid(data):
			return string(data), "utf-8", nil
		default:
			out, err := decodeWith(korean.EUCKR, data)
			return out, "cp949", err
		}
	}

	if name == "utf-8" || name == "utf8" {
		return string(bytes.TrimPrefix(data, utf8BOM)), "utf-8", nil
	}

	var enc encoding.Encoding
	if name == "cp949" {
		enc = korean.EUCKR
	} else {
		var err error
		enc, err = htmlindex.Get(name)
		if err != nil {
			return "", "", eris.Wrapf(err, "fetcher: unsupported encoding %q", name)
		}
	}
	out, err := decodeWith(enc, data)
	return out, name, err
}

// DecodeReader reads r fully and decodes it with DecodeBytes.
func DecodeReader(r io.Reader, name string) (io.Reader, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", eris.Wrap(err, "fetcher: read input")
	}
	text, used, err := DecodeBytes(data, name)
	if err != nil {
		return nil, "", err
	}
	return strings.NewReader(text), used, nil
}

func decodeWith(enc encoding.Encoding, data []byte) (string, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: decode")
	}
	return string(out), nil
}
