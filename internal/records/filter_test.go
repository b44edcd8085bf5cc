package records

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/schema"
)

func allowAll(name string) error { return nil }

func rejectUnderscore(name string) error {
	if name[0] == '_' {
		return errBadRequest("column %q is not filterable", name)
	}
	return nil
}

func TestParseSimpleFilter(t *testing.T) {
	values, _ := url.ParseQuery("filter[title]=hello")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)

	cmp, ok := req.Filter.(Compare)
	require.True(t, ok)
	assert.Equal(t, "title", cmp.Column)
	assert.Equal(t, OpEq, cmp.Op)
	assert.Equal(t, "hello", cmp.Value)
}

func TestParseOperatorFilter(t *testing.T) {
	values, _ := url.ParseQuery("filter[age][$gt]=21&filter[name][$like]=a%25")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)

	composite, ok := req.Filter.(Composite)
	require.True(t, ok)
	assert.Equal(t, CompositeAnd, composite.Op)
	assert.Len(t, composite.Parts, 2)
}

func TestParseCompositeOr(t *testing.T) {
	values, _ := url.ParseQuery("filter[$or][0][status]=draft&filter[$or][1][status]=review")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)

	composite, ok := req.Filter.(Composite)
	require.True(t, ok)
	assert.Equal(t, CompositeOr, composite.Op)
	assert.Len(t, composite.Parts, 2)
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	values, _ := url.ParseQuery("filter[age][$regex]=x")
	_, err := ParseListQuery(values, 1024, allowAll)
	assert.Error(t, err)
}

func TestParseRejectsUnderscoreColumn(t *testing.T) {
	values, _ := url.ParseQuery("filter[_owner]=abc")
	_, err := ParseListQuery(values, 1024, rejectUnderscore)
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, apiErr.Kind)
}

func TestParseLimitCeiling(t *testing.T) {
	values, _ := url.ParseQuery("limit=2000")
	_, err := ParseListQuery(values, 1024, allowAll)
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, apiErr.Kind)

	values, _ = url.ParseQuery("limit=100")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)
	assert.Equal(t, 100, req.Limit)
}

func TestParseOrder(t *testing.T) {
	values, _ := url.ParseQuery("order=%2Bname,-created")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)

	require.Len(t, req.Order, 2)
	assert.Equal(t, OrderTerm{Column: "name"}, req.Order[0])
	assert.Equal(t, OrderTerm{Column: "created", Descending: true}, req.Order[1])
}

func TestCompileWhereClause(t *testing.T) {
	values, _ := url.ParseQuery("filter[a][$ge]=1&filter[b][$in]=x,y,z")
	req, err := ParseListQuery(values, 1024, allowAll)
	require.NoError(t, err)

	where, err := buildFilterWhereClause(req.Filter)
	require.NoError(t, err)

	assert.Contains(t, where.SQL, `_ROW_."a" >=`)
	assert.Contains(t, where.SQL, `_ROW_."b" IN`)
	// One param for $ge, three for $in.
	assert.Len(t, where.Params, 4)
	// No literals in the SQL.
	assert.NotContains(t, where.SQL, "x")
}

func TestCompileIsNull(t *testing.T) {
	where, err := buildFilterWhereClause(Compare{Column: "deleted", Op: OpIs, Value: "NULL"})
	require.NoError(t, err)
	assert.Equal(t, `_ROW_."deleted" IS NULL`, where.SQL)

	where, err = buildFilterWhereClause(Compare{Column: "deleted", Op: OpIs, Value: "!NULL"})
	require.NoError(t, err)
	assert.Equal(t, `_ROW_."deleted" IS NOT NULL`, where.SQL)

	_, err = buildFilterWhereClause(Compare{Column: "deleted", Op: OpIs, Value: "banana"})
	assert.Error(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	encoded := EncodeCursor(int64(42))
	decoded, err := DecodeCursor(encoded, schema.PKInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded)

	blob := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	encoded = EncodeCursor(blob)
	decoded, err = DecodeCursor(encoded, schema.PKUUIDv7)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)

	_, err = DecodeCursor("!!!not-base64!!!", schema.PKInteger)
	assert.Error(t, err)
}
