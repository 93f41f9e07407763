package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode renders v in canonical form: dictionary keys are emitted in
// sorted order. Invalid values encode as nothing.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindString:
		writeString(buf, v.Str)
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			writeString(buf, []byte(k))
			encodeTo(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

func writeString(buf *bytes.Buffer, s []byte) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}
