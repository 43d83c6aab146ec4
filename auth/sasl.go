package auth

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bitven/mongowire/conn"
	"github.com/bitven/mongowire/msg"
)

type saslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

type saslResponse struct {
	OK             float64 `bson:"ok"`
	ErrMsg         string  `bson:"errmsg"`
	Code           int     `bson:"code"`
	ConversationID int     `bson:"conversationId"`
	Done           bool    `bson:"done"`
	Payload        []byte  `bson:"payload"`
}

// ConductSaslConversation runs a SASL mechanism to completion over the
// connection. The conversation uses the same framing as user commands but
// never carries session or transaction fields.
func ConductSaslConversation(ctx context.Context, c conn.Connection, db string, client saslClient) error {
	if db == "" {
		db = defaultAuthDB
	}

	mech, payload, err := client.Start()
	if err != nil {
		return newError(err, mech)
	}

	saslResp, err := roundTrip(ctx, c, bson.D{
		{Key: "saslStart", Value: int32(1)},
		{Key: "mechanism", Value: mech},
		{Key: "payload", Value: primitive.Binary{Data: payload}},
		{Key: "$db", Value: db},
	})
	if err != nil {
		return newError(err, mech)
	}

	cid := saslResp.ConversationID

	for {
		if saslResp.OK != 1 || saslResp.Code != 0 {
			return newError(&Error{message: saslResp.ErrMsg}, mech)
		}

		if saslResp.Done && client.Completed() {
			return nil
		}

		payload, err = client.Next(saslResp.Payload)
		if err != nil {
			return newError(err, mech)
		}

		if saslResp.Done && client.Completed() {
			return nil
		}

		saslResp, err = roundTrip(ctx, c, bson.D{
			{Key: "saslContinue", Value: int32(1)},
			{Key: "conversationId", Value: int32(cid)},
			{Key: "payload", Value: primitive.Binary{Data: payload}},
			{Key: "$db", Value: db},
		})
		if err != nil {
			return newError(err, mech)
		}
	}
}

func roundTrip(ctx context.Context, c conn.Connection, cmd bson.D) (*saslResponse, error) {
	body, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	request := msg.NewMsg(msg.NextRequestID(), bson.Raw(body))
	if err = c.Write(ctx, request); err != nil {
		return nil, err
	}

	response, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}

	var resp saslResponse
	if err = bson.Unmarshal(response.Body, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
