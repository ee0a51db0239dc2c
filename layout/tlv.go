package layout

// TLVEntry is one decoded type-length-value group element, see spec.md
// §3/§4.A. Tag carries the raw numeric tag; Value is the unparsed payload
// for sub-layout re-decoding by the caller, which knows the tag space.
type TLVEntry struct {
	Tag   uint64
	Value []byte
}

// DecodeTLV repeats {tag(tlen octets LE), len(llen octets LE), value(len
// octets)} to end-of-buffer. It never itself rejects unknown tags — that
// policy (wildcard vs. InvalidTag) belongs to the caller, which knows which
// tags it recognizes; see DecodeTLVTags for the wildcard-aware variant.
func DecodeTLV(buf []byte, tlen, llen int) ([]TLVEntry, error) {
	d := NewDecoder(buf)
	var entries []TLVEntry
	for d.Len() > 0 {
		tag, err := d.Uint(tlen)
		if err != nil {
			return nil, err
		}
		n, err := d.Uint(llen)
		if err != nil {
			return nil, err
		}
		val, err := d.Bytes(int(n))
		if err != nil {
			return nil, err
		}
		entries = append(entries, TLVEntry{Tag: tag, Value: val})
	}
	return entries, nil
}

// EncodeTLV appends entries to e in TLV form using tlen/llen-octet fields.
func EncodeTLV(e *Encoder, tlen, llen int, entries []TLVEntry) error {
	for _, ent := range entries {
		if err := e.Uint(tlen, ent.Tag); err != nil {
			return err
		}
		if len(ent.Value) >= 1<<(8*uint(llen)) {
			return ErrFieldOverflow
		}
		if err := e.Uint(llen, uint64(len(ent.Value))); err != nil {
			return err
		}
		e.Bytes(ent.Value)
	}
	return nil
}

// KnownTag names a recognized TLV tag together with its sub-layout decoder.
type KnownTag struct {
	Tag    uint64
	Name   string
	Decode func([]byte) (any, error)
}

// DecodeTLVTags decodes buf's TLV entries, resolving each against known by
// tag. A tag absent from known is accepted as an opaque "field{tag}" byte
// attribute when wildcard is set, or rejected with ErrInvalidTag otherwise.
func DecodeTLVTags(buf []byte, tlen, llen int, known []KnownTag, wildcard bool) (map[string]any, error) {
	entries, err := DecodeTLV(buf, tlen, llen)
	if err != nil {
		return nil, err
	}
	byTag := make(map[uint64]KnownTag, len(known))
	for _, k := range known {
		byTag[k.Tag] = k
	}

	out := make(map[string]any, len(entries))
	for _, ent := range entries {
		if k, ok := byTag[ent.Tag]; ok {
			v, err := k.Decode(ent.Value)
			if err != nil {
				return nil, err
			}
			out[k.Name] = v
			continue
		}
		if !wildcard {
			return nil, ErrInvalidTag
		}
		out[fieldAttrName(ent.Tag)] = append([]byte(nil), ent.Value...)
	}
	return out, nil
}

func fieldAttrName(tag uint64) string {
	const hexDigits = "0123456789abcdef"
	if tag == 0 {
		return "field0"
	}
	var b []byte
	for tag > 0 {
		b = append([]byte{hexDigits[tag&0xf]}, b...)
		tag >>= 4
	}
	return "field" + string(b)
}
