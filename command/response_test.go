package command

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func marshal(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(doc)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestDecodeResponse_N(t *testing.T) {
	rdr := marshal(t, bson.D{{Key: "n", Value: int32(3)}, {Key: "ok", Value: 1.0}})

	result, err := DecodeResponse("update", rdr)
	require.NoError(t, err)
	require.True(t, result.HasN)
	require.Equal(t, int64(3), result.N)
}

func TestDecodeResponse_WriteErrors(t *testing.T) {
	rdr := marshal(t, bson.D{
		{Key: "n", Value: int32(0)},
		{Key: "writeErrors", Value: bson.A{bson.D{
			{Key: "index", Value: int32(0)},
			{Key: "code", Value: int32(11000)},
			{Key: "errmsg", Value: "E11000 duplicate key error"},
		}}},
		{Key: "ok", Value: 1.0},
	})

	_, err := DecodeResponse("insert", rdr)
	require.Error(t, err)
	require.True(t, IsDuplicateKey(err))

	var cmdErr Error
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, int32(11000), cmdErr.Code)
	require.Equal(t, "insert", cmdErr.OperationType)
	require.Len(t, cmdErr.WriteErrors, 1)
}

func TestDecodeResponse_WriteConcernError(t *testing.T) {
	rdr := marshal(t, bson.D{
		{Key: "n", Value: int32(1)},
		{Key: "writeConcernError", Value: bson.D{
			{Key: "code", Value: int32(64)},
			{Key: "codeName", Value: "WriteConcernFailed"},
			{Key: "errmsg", Value: "waiting for replication timed out"},
		}},
		{Key: "ok", Value: 1.0},
	})

	_, err := DecodeResponse("insert", rdr)
	require.Error(t, err)
	require.True(t, IsWriteConcernFailure(err))
	require.False(t, IsDuplicateKey(err))
}

func TestDecodeResponse_TopLevelError(t *testing.T) {
	rdr := marshal(t, bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: "readConcern may only be provided on the first operation"},
		{Key: "code", Value: int32(72)},
		{Key: "codeName", Value: "InvalidOptions"},
	})

	_, err := DecodeResponse("find", rdr)
	require.Error(t, err)
	require.Equal(t, "E72 InvalidOptions: readConcern may only be provided on the first operation", err.Error())
}

func TestDecodeResponse_ErrorLabels(t *testing.T) {
	rdr := marshal(t, bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: "transaction aborted"},
		{Key: "code", Value: int32(112)},
		{Key: "codeName", Value: "WriteConflict"},
		{Key: "errorLabels", Value: bson.A{"TransientTransactionError"}},
	})

	_, err := DecodeResponse("commitTransaction", rdr)
	require.Error(t, err)
	require.True(t, IsTransientTransactionError(err))
	require.False(t, IsUnknownTransactionCommitResult(err))
}

func TestDecodeResponse_TransientCodesWithoutLabels(t *testing.T) {
	for _, code := range []int32{251, 91, 189, 262, 10107, 13435, 13436} {
		rdr := marshal(t, bson.D{
			{Key: "ok", Value: 0.0},
			{Key: "errmsg", Value: "stepped down"},
			{Key: "code", Value: code},
		})

		_, err := DecodeResponse("insert", rdr)
		require.Error(t, err)
		require.True(t, IsTransientTransactionError(err), "code %d", code)
	}
}

func TestDecodeResponse_UnknownCommitCodes(t *testing.T) {
	for _, code := range []int32{50, 91, 189, 262, 9001, 10107, 11600, 11602, 13435, 13436} {
		rdr := marshal(t, bson.D{
			{Key: "ok", Value: 0.0},
			{Key: "errmsg", Value: "commit outcome unknown"},
			{Key: "code", Value: code},
		})

		_, err := DecodeResponse("commitTransaction", rdr)
		require.Error(t, err)
		require.True(t, IsUnknownTransactionCommitResult(err), "code %d", code)
	}
}

func TestDecodeResponse_Cursor(t *testing.T) {
	movie := marshal(t, bson.D{{Key: "name", Value: "Armageddon"}})
	rdr := marshal(t, bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: int64(0)},
			{Key: "ns", Value: "testing.movies"},
			{Key: "firstBatch", Value: bson.A{movie}},
		}},
		{Key: "ok", Value: 1.0},
	})

	result, err := DecodeResponse("find", rdr)
	require.NoError(t, err)
	require.NotNil(t, result.Cursor)
	require.Equal(t, "testing.movies", result.Cursor.Namespace)
	require.Len(t, result.Cursor.FirstBatch, 1)
	require.Equal(t, movie, result.Cursor.FirstBatch[0])
}

func TestDecodeResponse_Times(t *testing.T) {
	ct := marshal(t, bson.D{{Key: "clusterTime", Value: primitive.Timestamp{T: 7, I: 7}}})
	rdr := marshal(t, bson.D{
		{Key: "ok", Value: 1.0},
		{Key: "operationTime", Value: primitive.Timestamp{T: 7, I: 6}},
		{Key: "$clusterTime", Value: ct},
	})

	result, err := DecodeResponse("find", rdr)
	require.NoError(t, err)
	require.Equal(t, primitive.Timestamp{T: 7, I: 6}, *result.OperationTime)
	require.Equal(t, ct, result.ClusterTime)
}

func TestErrorPredicates_CodeTables(t *testing.T) {
	require.True(t, IsTimeout(Error{Code: 50}))
	require.True(t, IsTimeout(Error{Code: 89}))
	require.False(t, IsTimeout(Error{Code: 11000}))

	require.True(t, IsNetworkError(Error{Code: 9001}))
	require.True(t, IsNetworkError(Error{Code: 11600}))
	require.False(t, IsNetworkError(Error{Code: 50}))

	// Interrupted sits in both tables.
	require.True(t, IsTimeout(Error{Code: 11601}))
	require.True(t, IsNetworkError(Error{Code: 11601}))

	require.False(t, IsDuplicateKey(errUnrelated{}))
}

type errUnrelated struct{}

func (errUnrelated) Error() string { return "unrelated" }

func TestDecodeResponse_OkVariants(t *testing.T) {
	for name, okVal := range map[string]interface{}{
		"double": 1.0,
		"int32":  int32(1),
		"int64":  int64(1),
	} {
		t.Run(name, func(t *testing.T) {
			rdr := marshal(t, bson.D{{Key: "ok", Value: okVal}})
			_, err := DecodeResponse("ping", rdr)
			require.NoError(t, err)
		})
	}
}

func TestCommand_MarshalAppendsDB(t *testing.T) {
	cmd := New("find", "movies", "testing")
	raw, err := cmd.Marshal()
	require.NoError(t, err)

	var doc bson.D
	require.NoError(t, bson.Unmarshal(raw, &doc))
	require.Equal(t, "find", doc[0].Key)
	require.Equal(t, bson.E{Key: "$db", Value: "testing"}, doc[len(doc)-1])
}
