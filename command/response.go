package command

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CursorResult is the cursor portion of a find/aggregate/listCollections
// style response.
type CursorResult struct {
	ID         int64
	Namespace  string
	FirstBatch []bson.Raw
}

// Result is an interpreted server response. Document always holds the raw
// response; N and Cursor are populated when the response carries them.
// OperationTime and ClusterTime are extracted even from failed responses so
// the caller can advance its clock.
type Result struct {
	N        int64
	HasN     bool
	Document bson.Raw
	Cursor   *CursorResult

	OperationTime *primitive.Timestamp
	ClusterTime   bson.Raw
}

// DecodeResponse inspects a decoded response body. Inspection order:
// writeErrors, write concern errors, a top-level errmsg, a scalar n, a
// nonce (auth), a plain ok, and finally the cursor batch.
func DecodeResponse(opType string, rdr bson.Raw) (*Result, error) {
	result := &Result{Document: rdr}

	var (
		ok       bool
		errmsg   string
		codeName string
		code     int32
		labels   []string
		hasNonce bool

		writeErrors        []WriteError
		writeConcernErrors []WriteConcernError
	)

	elems, err := rdr.Elements()
	if err != nil {
		return result, ErrNoCommandResponse
	}

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "ok":
			switch val.Type {
			case bson.TypeInt32:
				ok = val.Int32() == 1
			case bson.TypeInt64:
				ok = val.Int64() == 1
			case bson.TypeDouble:
				ok = val.Double() == 1
			}
		case "n":
			if n, okay := numberOK(val); okay {
				result.N = n
				result.HasN = true
			}
		case "nonce":
			hasNonce = true
		case "errmsg":
			if str, okay := val.StringValueOK(); okay {
				errmsg = str
			}
		case "codeName":
			if str, okay := val.StringValueOK(); okay {
				codeName = str
			}
		case "code":
			if c, okay := val.Int32OK(); okay {
				code = c
			}
		case "errorLabels":
			labels = stringArray(val)
		case "writeErrors":
			writeErrors = decodeWriteErrors(val)
		case "writeConcernError":
			if doc, okay := val.DocumentOK(); okay {
				writeConcernErrors = append(writeConcernErrors, decodeWriteConcernError(doc))
			}
		case "writeConcernErrors":
			if arr, okay := val.ArrayOK(); okay {
				vals, _ := arr.Values()
				for _, v := range vals {
					if doc, okay := v.DocumentOK(); okay {
						writeConcernErrors = append(writeConcernErrors, decodeWriteConcernError(doc))
					}
				}
			}
		case "cursor":
			if doc, okay := val.DocumentOK(); okay {
				result.Cursor = decodeCursor(doc)
			}
		case "operationTime":
			if t, i, okay := val.TimestampOK(); okay {
				result.OperationTime = &primitive.Timestamp{T: t, I: i}
			}
		case "$clusterTime":
			if doc, okay := val.DocumentOK(); okay {
				result.ClusterTime = doc
			}
		}
	}

	if len(writeErrors) > 0 {
		first := writeErrors[0]
		return result, Error{
			Code:          first.Code,
			Message:       first.Message,
			Labels:        labels,
			OperationType: opType,
			WriteErrors:   writeErrors,
		}
	}

	if len(writeConcernErrors) > 0 {
		first := writeConcernErrors[0]
		return result, Error{
			Code:               first.Code,
			Message:            first.Message,
			Name:               first.Name,
			Labels:             labels,
			OperationType:      opType,
			WriteConcernErrors: writeConcernErrors,
		}
	}

	if errmsg != "" {
		return result, Error{
			Code:          code,
			Message:       errmsg,
			Name:          codeName,
			Labels:        labels,
			OperationType: opType,
		}
	}

	if result.HasN && ok {
		return result, nil
	}

	if hasNonce && ok {
		return result, nil
	}

	if ok {
		return result, nil
	}

	if result.Cursor != nil {
		return result, nil
	}

	return result, Error{
		Message:       "command failed",
		Code:          code,
		Name:          codeName,
		Labels:        labels,
		OperationType: opType,
	}
}

func numberOK(val bson.RawValue) (int64, bool) {
	switch val.Type {
	case bson.TypeInt32:
		return int64(val.Int32()), true
	case bson.TypeInt64:
		return val.Int64(), true
	case bson.TypeDouble:
		return int64(val.Double()), true
	default:
		return 0, false
	}
}

func stringArray(val bson.RawValue) []string {
	arr, okay := val.ArrayOK()
	if !okay {
		return nil
	}

	vals, err := arr.Values()
	if err != nil {
		return nil
	}

	var out []string
	for _, v := range vals {
		if str, okay := v.StringValueOK(); okay {
			out = append(out, str)
		}
	}
	return out
}

func decodeWriteErrors(val bson.RawValue) []WriteError {
	arr, okay := val.ArrayOK()
	if !okay {
		return nil
	}

	vals, err := arr.Values()
	if err != nil {
		return nil
	}

	var out []WriteError
	for _, v := range vals {
		doc, okay := v.DocumentOK()
		if !okay {
			continue
		}

		var we WriteError
		if idx, err := doc.LookupErr("index"); err == nil {
			if i, okay := idx.Int32OK(); okay {
				we.Index = i
			}
		}
		if c, err := doc.LookupErr("code"); err == nil {
			if i, okay := c.Int32OK(); okay {
				we.Code = i
			}
		}
		if m, err := doc.LookupErr("errmsg"); err == nil {
			if s, okay := m.StringValueOK(); okay {
				we.Message = s
			}
		}
		out = append(out, we)
	}
	return out
}

func decodeWriteConcernError(doc bson.Raw) WriteConcernError {
	var wce WriteConcernError
	if c, err := doc.LookupErr("code"); err == nil {
		if i, okay := c.Int32OK(); okay {
			wce.Code = i
		}
	}
	if n, err := doc.LookupErr("codeName"); err == nil {
		if s, okay := n.StringValueOK(); okay {
			wce.Name = s
		}
	}
	if m, err := doc.LookupErr("errmsg"); err == nil {
		if s, okay := m.StringValueOK(); okay {
			wce.Message = s
		}
	}
	return wce
}

func decodeCursor(doc bson.Raw) *CursorResult {
	cur := &CursorResult{}

	if id, err := doc.LookupErr("id"); err == nil {
		if i, okay := id.Int64OK(); okay {
			cur.ID = i
		}
	}
	if ns, err := doc.LookupErr("ns"); err == nil {
		if s, okay := ns.StringValueOK(); okay {
			cur.Namespace = s
		}
	}
	if batch, err := doc.LookupErr("firstBatch"); err == nil {
		cur.FirstBatch = rawArray(batch)
	}
	if batch, err := doc.LookupErr("nextBatch"); err == nil {
		cur.FirstBatch = rawArray(batch)
	}

	return cur
}

func rawArray(val bson.RawValue) []bson.Raw {
	arr, okay := val.ArrayOK()
	if !okay {
		return nil
	}

	vals, err := arr.Values()
	if err != nil {
		return nil
	}

	out := make([]bson.Raw, 0, len(vals))
	for _, v := range vals {
		if doc, okay := v.DocumentOK(); okay {
			out = append(out, doc)
		}
	}
	return out
}
