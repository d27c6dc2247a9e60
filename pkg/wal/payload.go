package wal

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// DataPayload is the self-describing payload carried by Insert/Update/
// Delete entries: a transaction ID, the collection and document it
// touched, and an optional before-image and after-image. It is
// bson-encoded, the same self-describing wire format pkg/document uses
// for field storage, rather than a hand-rolled length-prefixed scheme.
type DataPayload struct {
	TxnID      string   `bson:"txn_id"`
	Collection string   `bson:"collection"`
	DocID      string   `bson:"doc_id"`
	Before     bson.Raw `bson:"before,omitempty"`
	After      bson.Raw `bson:"after,omitempty"`
}

// EncodeDataPayload bson-marshals p for storage as a WALEntry's payload.
func EncodeDataPayload(p DataPayload) ([]byte, error) {
	return bson.Marshal(p)
}

// DecodeDataPayload reverses EncodeDataPayload.
func DecodeDataPayload(b []byte) (DataPayload, error) {
	var p DataPayload
	err := bson.Unmarshal(b, &p)
	return p, err
}

// EncodeImage bson-marshals a document's field map for use as a
// DataPayload's Before/After image.
func EncodeImage(fields bson.M) (bson.Raw, error) {
	if fields == nil {
		return nil, nil
	}
	data, err := bson.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return bson.Raw(data), nil
}

// DecodeImage reverses EncodeImage.
func DecodeImage(raw bson.Raw) (bson.M, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
