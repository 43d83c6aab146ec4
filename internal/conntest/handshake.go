package conntest

import (
	"github.com/xdg-go/scram"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Handshake scripts the pre-command surface of a server: isMaster,
// buildInfo and a real SCRAM-SHA-256 conversation for the given user.
// Verbs outside that surface go to next.
func Handshake(username, password string, next HandlerFunc) (HandlerFunc, error) {
	kf := scram.KeyFactors{Salt: "fedcba9876543210", Iters: 4096}
	credClient, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return nil, err
	}
	stored := credClient.GetStoredCredentials(kf)

	server, err := scram.SHA256.NewServer(func(user string) (scram.StoredCredentials, error) {
		return stored, nil
	})
	if err != nil {
		return nil, err
	}

	var conversation *scram.ServerConversation

	return func(req bson.Raw) bson.D {
		switch Verb(req) {
		case "isMaster", "ismaster", "hello":
			return bson.D{
				{Key: "ismaster", Value: true},
				{Key: "maxBsonObjectSize", Value: int32(16777216)},
				{Key: "maxMessageSizeBytes", Value: int32(48000000)},
				{Key: "maxWriteBatchSize", Value: int32(100000)},
				{Key: "minWireVersion", Value: int32(0)},
				{Key: "maxWireVersion", Value: int32(17)},
				{Key: "ok", Value: 1.0},
			}
		case "buildInfo":
			return bson.D{
				{Key: "version", Value: "6.0.6"},
				{Key: "gitVersion", Value: "26b4851a412cc8b9b4a18cdb6cd0f9f642e06aa7"},
				{Key: "versionArray", Value: bson.A{int32(6), int32(0), int32(6), int32(0)}},
				{Key: "ok", Value: 1.0},
			}
		case "saslStart":
			conversation = server.NewConversation()
			return saslStep(conversation, req)
		case "saslContinue":
			if conversation == nil {
				return bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "no conversation started"}}
			}
			return saslStep(conversation, req)
		default:
			if next != nil {
				return next(req)
			}
			return OK()
		}
	}, nil
}

func saslStep(conversation *scram.ServerConversation, req bson.Raw) bson.D {
	payload, err := req.LookupErr("payload")
	if err != nil {
		return bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "missing payload"}}
	}
	_, data := payload.Binary()

	step, err := conversation.Step(string(data))
	if err != nil {
		return bson.D{
			{Key: "ok", Value: 0.0},
			{Key: "errmsg", Value: err.Error()},
			{Key: "code", Value: int32(18)},
			{Key: "codeName", Value: "AuthenticationFailed"},
		}
	}

	return bson.D{
		{Key: "ok", Value: 1.0},
		{Key: "conversationId", Value: int32(1)},
		{Key: "done", Value: conversation.Done()},
		{Key: "payload", Value: primitive.Binary{Data: []byte(step)}},
	}
}
