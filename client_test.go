package mongowire

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bitven/mongowire/command"
	"github.com/bitven/mongowire/internal/conntest"
	"github.com/bitven/mongowire/readconcern"
	"github.com/bitven/mongowire/session"
	"github.com/bitven/mongowire/writeconcern"
)

var testLSID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func startSessionReply(req bson.Raw) bson.D {
	return bson.D{
		{Key: "id", Value: bson.D{{Key: "id", Value: primitive.Binary{Subtype: 4, Data: testLSID}}}},
		{Key: "timeoutMinutes", Value: int32(30)},
		{Key: "ok", Value: 1.0},
	}
}

// newTestClient connects a client against a scripted server. The verbs map
// handles post-handshake commands; anything unhandled answers ok.
func newTestClient(t *testing.T, verbs map[string]conntest.HandlerFunc) (*Client, *conntest.Server) {
	t.Helper()

	handshake, err := conntest.Handshake("root", "example", nil)
	require.NoError(t, err)

	// Per-test verbs win; everything else falls back to the scripted
	// handshake surface, then a plain ok.
	dispatch := func(req bson.Raw) bson.D {
		if h, ok := verbs[conntest.Verb(req)]; ok {
			return h(req)
		}
		return handshake(req)
	}

	server, err := conntest.NewServer(dispatch)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client, err := New("testing", host, port, "root", "example", WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return client, server
}

// userCommands filters the handshake chatter out of the server's log.
func userCommands(server *conntest.Server) []bson.Raw {
	var out []bson.Raw
	for _, req := range server.Received() {
		switch conntest.Verb(req) {
		case "isMaster", "ismaster", "hello", "buildInfo", "saslStart", "saslContinue":
		default:
			out = append(out, req)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	testCases := []struct {
		name     string
		database string
		host     string
		port     int
		user     string
		password string
	}{
		{"empty database", "", "mongo", 27017, "root", "example"},
		{"empty host", "testing", "", 27017, "root", "example"},
		{"port zero", "testing", "mongo", 0, "root", "example"},
		{"port too large", "testing", "mongo", 65536, "root", "example"},
		{"empty user", "testing", "mongo", 27017, "", "example"},
		{"empty password", "testing", "mongo", 27017, "root", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.database, tc.host, tc.port, tc.user, tc.password)
			require.Error(t, err)
			require.IsType(t, &InvalidArgumentError{}, err)
		})
	}

	client, err := New("testing", "mongo", 27017, "root", "example")
	require.NoError(t, err)
	require.False(t, client.IsConnected())
}

func TestClient_ConnectHandshake(t *testing.T) {
	client, _ := newTestClient(t, nil)

	require.True(t, client.IsConnected())

	info := client.ConnectionInfo()
	require.True(t, info.Connected)
	require.Equal(t, "testing", info.Database)
	require.NotNil(t, info.Server)
	require.Equal(t, "6.0.6", info.Server.Version.String())
	require.True(t, info.Server.Version.AtLeast(4, 0))
}

func TestClient_InsertGeneratesUUIDStringID(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1)}, {Key: "ok", Value: 1.0}}
		},
	})

	doc, err := client.Insert(context.Background(), "movies",
		bson.D{{Key: "name", Value: "Armageddon"}, {Key: "country", Value: "USA"}}, nil)
	require.NoError(t, err)

	require.Equal(t, "_id", doc[0].Key)
	id, ok := doc[0].Value.(string)
	require.True(t, ok)
	require.Len(t, id, 36)

	// The same _id went over the wire.
	cmds := userCommands(server)
	require.Len(t, cmds, 1)
	sent := cmds[0].Lookup("documents").Array().Index(0).Value().Document().Lookup("_id").StringValue()
	require.Equal(t, id, sent)
}

func TestClient_InsertKeepsProvidedID(t *testing.T) {
	client, _ := newTestClient(t, map[string]conntest.HandlerFunc{
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1)}, {Key: "ok", Value: 1.0}}
		},
	})

	doc, err := client.Insert(context.Background(), "movies", bson.D{{Key: "_id", Value: int32(999)}}, nil)
	require.NoError(t, err)
	require.Equal(t, bson.D{{Key: "_id", Value: int32(999)}}, doc)
}

func TestClient_InsertDuplicateKey(t *testing.T) {
	client, _ := newTestClient(t, map[string]conntest.HandlerFunc{
		"insert": func(req bson.Raw) bson.D {
			return bson.D{
				{Key: "n", Value: int32(0)},
				{Key: "writeErrors", Value: bson.A{bson.D{
					{Key: "index", Value: int32(0)},
					{Key: "code", Value: int32(11000)},
					{Key: "errmsg", Value: "E11000 duplicate key error collection: testing.movies"},
				}}},
				{Key: "ok", Value: 1.0},
			}
		},
	})

	_, err := client.Insert(context.Background(), "movies", bson.D{{Key: "_id", Value: int32(999)}}, nil)
	require.Error(t, err)
	require.True(t, command.IsDuplicateKey(err))
}

func TestClient_InsertManyBatches(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1000)}, {Key: "ok", Value: 1.0}}
		},
	})

	docs := make([]interface{}, 2500)
	for i := range docs {
		docs[i] = bson.D{{Key: "i", Value: int32(i)}}
	}

	prepared, err := client.InsertMany(context.Background(), "movies", docs, nil)
	require.NoError(t, err)
	require.Len(t, prepared, 2500)

	cmds := userCommands(server)
	require.Len(t, cmds, 3)
	sizes := []int{1000, 1000, 500}
	for i, cmd := range cmds {
		vals, err := cmd.Lookup("documents").Array().Values()
		require.NoError(t, err)
		require.Len(t, vals, sizes[i])
		require.True(t, cmd.Lookup("ordered").Boolean())
	}
}

func TestClient_FindCursor(t *testing.T) {
	movie, err := bson.Marshal(bson.D{{Key: "name", Value: "Armageddon"}})
	require.NoError(t, err)

	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"find": func(req bson.Raw) bson.D {
			return bson.D{
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(0)},
					{Key: "ns", Value: "testing.movies"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(movie)}},
				}},
				{Key: "ok", Value: 1.0},
			}
		},
	})

	result, err := client.Find(context.Background(), "movies", bson.D{{Key: "name", Value: "Armageddon"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Cursor)
	require.Len(t, result.Cursor.FirstBatch, 1)

	cmds := userCommands(server)
	require.Equal(t, "movies", cmds[0].Lookup("find").StringValue())
}

func TestClient_UpsertForcesUpsert(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"update": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(2)}, {Key: "ok", Value: 1.0}}
		},
	})

	n, err := client.Upsert(context.Background(), "movies_upsert", []UpsertOperation{
		{
			Filter: bson.D{{Key: "name", Value: "Gone with the wind"}},
			Update: bson.D{
				{Key: "$set", Value: bson.D{{Key: "country", Value: "USA"}}},
				{Key: "$inc", Value: bson.D{{Key: "counter", Value: int32(3)}}},
			},
		},
		{
			Filter: bson.D{{Key: "name", Value: "The godfather"}},
			Update: bson.D{{Key: "$set", Value: bson.D{
				{Key: "name", Value: "The godfather 2"},
				{Key: "country", Value: "USA"},
				{Key: "language", Value: "English"},
			}}},
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	cmds := userCommands(server)
	updates := cmds[0].Lookup("updates").Array()
	vals, err := updates.Values()
	require.NoError(t, err)
	require.Len(t, vals, 2)
	for _, v := range vals {
		require.True(t, v.Document().Lookup("upsert").Boolean())
	}
}

func TestClient_TransactionHappyPath(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"startSession": startSessionReply,
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1)}, {Key: "ok", Value: 1.0}}
		},
	})

	ctx := context.Background()
	sess, err := client.StartSession(ctx, nil)
	require.NoError(t, err)

	wc := mustWriteConcern(t, 1)
	require.NoError(t, client.StartTransaction(sess, &session.TransactionOptions{
		ReadConcern:  mustReadConcern(t, "majority"),
		WriteConcern: wc,
	}))

	_, err = client.Insert(ctx, "tx", bson.D{{Key: "x", Value: int32(1)}}, &Options{Session: sess})
	require.NoError(t, err)
	_, err = client.Insert(ctx, "tx", bson.D{{Key: "x", Value: int32(2)}}, &Options{Session: sess})
	require.NoError(t, err)

	require.NoError(t, client.CommitTransaction(ctx, sess, nil))
	require.Equal(t, "committed", client.SessionState(sess))

	var startCount int
	var inserts []bson.Raw
	var commit bson.Raw
	for _, cmd := range userCommands(server) {
		if _, err := cmd.LookupErr("startTransaction"); err == nil {
			startCount++
		}
		switch conntest.Verb(cmd) {
		case "insert":
			inserts = append(inserts, cmd)
		case "commitTransaction":
			commit = cmd
		}
	}

	// Exactly one wire message carries startTransaction.
	require.Equal(t, 1, startCount)
	require.Len(t, inserts, 2)

	first, second := inserts[0], inserts[1]
	require.NoError(t, rawHasLsid(first))
	require.NoError(t, rawHasLsid(second))
	require.Equal(t, int64(1), first.Lookup("txnNumber").Int64())
	require.False(t, first.Lookup("autocommit").Boolean())
	require.True(t, first.Lookup("startTransaction").Boolean())
	require.Equal(t, "majority", first.Lookup("readConcern").Document().Lookup("level").StringValue())

	// The second operation carries neither startTransaction nor
	// readConcern.
	_, err = second.LookupErr("startTransaction")
	require.Error(t, err)
	_, err = second.LookupErr("readConcern")
	require.Error(t, err)

	require.NotNil(t, commit)
	require.Equal(t, int64(1), commit.Lookup("txnNumber").Int64())
}

func TestClient_TransactionAbort(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"startSession": startSessionReply,
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1)}, {Key: "ok", Value: 1.0}}
		},
	})

	ctx := context.Background()
	sess, err := client.StartSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, client.StartTransaction(sess, nil))
	_, err = client.Insert(ctx, "tx", bson.D{{Key: "x", Value: int32(1)}}, &Options{Session: sess})
	require.NoError(t, err)

	require.NoError(t, client.AbortTransaction(ctx, sess, nil))
	require.Equal(t, "aborted", client.SessionState(sess))

	var aborted bool
	for _, cmd := range userCommands(server) {
		if conntest.Verb(cmd) == "abortTransaction" {
			aborted = true
			require.Equal(t, int64(1), cmd.Lookup("txnNumber").Int64())
		}
	}
	require.True(t, aborted)

	// A new transaction is legal and bumps the number again.
	require.NoError(t, client.StartTransaction(sess, nil))
	require.Equal(t, int64(2), sess.TxnNumber)
}

func TestClient_CausalConsistency(t *testing.T) {
	opTime := primitive.Timestamp{T: 1000, I: 3}
	clusterTime, err := bson.Marshal(bson.D{{Key: "clusterTime", Value: opTime}})
	require.NoError(t, err)

	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"find": func(req bson.Raw) bson.D {
			return bson.D{
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(7)},
					{Key: "ns", Value: "testing.movies"},
					{Key: "firstBatch", Value: bson.A{}},
				}},
				{Key: "operationTime", Value: opTime},
				{Key: "$clusterTime", Value: bson.Raw(clusterTime)},
				{Key: "ok", Value: 1.0},
			}
		},
		"getMore": func(req bson.Raw) bson.D {
			return bson.D{
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(0)},
					{Key: "ns", Value: "testing.movies"},
					{Key: "nextBatch", Value: bson.A{}},
				}},
				{Key: "ok", Value: 1.0},
			}
		},
	})

	ctx := context.Background()
	require.Nil(t, client.OperationTime())

	_, err = client.Find(ctx, "movies", bson.D{}, nil)
	require.NoError(t, err)
	require.NotNil(t, client.OperationTime())
	require.Equal(t, opTime, *client.OperationTime())
	require.NotNil(t, client.ClusterTime())

	_, err = client.Find(ctx, "movies", bson.D{}, nil)
	require.NoError(t, err)

	_, err = client.GetMore(ctx, "movies", 7, nil)
	require.NoError(t, err)

	cmds := userCommands(server)
	require.Len(t, cmds, 3)

	// The first find could not know an operation time yet.
	_, err = cmds[0].LookupErr("readConcern")
	require.Error(t, err)

	// The second read gossips it back as afterClusterTime.
	act := cmds[1].Lookup("readConcern").Document().Lookup("afterClusterTime")
	tt, ii, ok := act.TimestampOK()
	require.True(t, ok)
	require.Equal(t, opTime, primitive.Timestamp{T: tt, I: ii})
	_, err = cmds[1].LookupErr("$clusterTime")
	require.NoError(t, err)

	// getMore never carries readConcern.
	_, err = cmds[2].LookupErr("readConcern")
	require.Error(t, err)
}

func TestClient_CreateCollectionAlreadyExists(t *testing.T) {
	name, err := bson.Marshal(bson.D{{Key: "name", Value: "movies"}})
	require.NoError(t, err)

	client, _ := newTestClient(t, map[string]conntest.HandlerFunc{
		"listCollections": func(req bson.Raw) bson.D {
			return bson.D{
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(0)},
					{Key: "ns", Value: "testing.$cmd.listCollections"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(name)}},
				}},
				{Key: "ok", Value: 1.0},
			}
		},
	})

	_, err = client.CreateCollection(context.Background(), "movies", nil)
	require.Error(t, err)
	require.IsType(t, &AlreadyExistsError{}, err)
}

func TestClient_CreateIndexesSparseQuirk(t *testing.T) {
	client, server := newTestClient(t, nil)

	err := client.CreateIndexes(context.Background(), "movies", []bson.D{
		{
			{Key: "key", Value: bson.D{{Key: "name", Value: int32(1)}}},
			{Key: "name", Value: "name_1"},
			{Key: "unique", Value: true},
		},
		{
			{Key: "key", Value: bson.D{{Key: "country", Value: int32(1)}}},
			{Key: "name", Value: "country_1"},
		},
	}, nil)
	require.NoError(t, err)

	cmds := userCommands(server)
	indexes := cmds[0].Lookup("indexes").Array()
	vals, err := indexes.Values()
	require.NoError(t, err)

	sparse, err := vals[0].Document().LookupErr("sparse")
	require.NoError(t, err)
	require.True(t, sparse.Boolean())

	_, err = vals[1].Document().LookupErr("sparse")
	require.Error(t, err)
}

func TestClient_WithTransactionRetriesTransient(t *testing.T) {
	var commits int
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"startSession": startSessionReply,
		"insert": func(req bson.Raw) bson.D {
			return bson.D{{Key: "n", Value: int32(1)}, {Key: "ok", Value: 1.0}}
		},
		"commitTransaction": func(req bson.Raw) bson.D {
			commits++
			if commits == 1 {
				return bson.D{
					{Key: "ok", Value: 0.0},
					{Key: "errmsg", Value: "transaction aborted"},
					{Key: "code", Value: int32(251)},
					{Key: "codeName", Value: "NoSuchTransaction"},
					{Key: "errorLabels", Value: bson.A{"TransientTransactionError"}},
				}
			}
			return conntest.OK()
		},
	})

	ctx := context.Background()
	sess, err := client.StartSession(ctx, nil)
	require.NoError(t, err)

	err = client.WithTransaction(ctx, sess, func(ctx context.Context) error {
		_, err := client.Insert(ctx, "tx", bson.D{{Key: "x", Value: int32(1)}}, &Options{Session: sess})
		return err
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "committed", client.SessionState(sess))
	require.Equal(t, 2, commits)

	var startCount int
	for _, cmd := range userCommands(server) {
		if _, err := cmd.LookupErr("startTransaction"); err == nil {
			startCount++
		}
	}
	require.Equal(t, 2, startCount)
}

func TestClient_EndSessionsWire(t *testing.T) {
	client, server := newTestClient(t, map[string]conntest.HandlerFunc{
		"startSession": startSessionReply,
	})

	ctx := context.Background()
	sess, err := client.StartSession(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "0102030405060708090a0b0c0d0e0f10", sess.Key())

	require.NoError(t, client.EndSessions(ctx, sess))

	var ended bool
	for _, cmd := range userCommands(server) {
		if conntest.Verb(cmd) != "endSessions" {
			continue
		}
		ended = true
		vals, err := cmd.Lookup("endSessions").Array().Values()
		require.NoError(t, err)
		require.Len(t, vals, 1)
		subtype, data := vals[0].Document().Lookup("id").Binary()
		require.Equal(t, byte(4), subtype)
		require.Equal(t, testLSID, data)
	}
	require.True(t, ended)
}

func TestClient_IsReplicaSetCached(t *testing.T) {
	var asks int
	client, _ := newTestClient(t, map[string]conntest.HandlerFunc{
		"isMaster": func(req bson.Raw) bson.D {
			asks++
			return bson.D{
				{Key: "ismaster", Value: true},
				{Key: "setName", Value: "rs0"},
				{Key: "ok", Value: 1.0},
			}
		},
	})

	ctx := context.Background()
	rs, err := client.IsReplicaSet(ctx)
	require.NoError(t, err)
	require.True(t, rs)

	rs, err = client.IsReplicaSet(ctx)
	require.NoError(t, err)
	require.True(t, rs)

	// One ask during the connect handshake, one for the first
	// IsReplicaSet; the second call is served from cache.
	require.Equal(t, 2, asks)
}

func rawHasLsid(cmd bson.Raw) error {
	_, err := cmd.LookupErr("lsid")
	return err
}

func mustReadConcern(t *testing.T, level string) *readconcern.ReadConcern {
	t.Helper()
	rc, err := readconcern.New(level)
	require.NoError(t, err)
	return rc
}

func mustWriteConcern(t *testing.T, w int) *writeconcern.WriteConcern {
	t.Helper()
	wc, err := writeconcern.New(writeconcern.W(w))
	require.NoError(t, err)
	return wc
}
