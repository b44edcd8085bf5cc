package database

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/watzon/quarry/internal/geoip"
	"github.com/watzon/quarry/internal/jsonschema"
	"github.com/watzon/quarry/internal/pwhash"
)

var registerOnce sync.Once

// registerFunctions installs the application scalar functions on the sqlite
// driver. Registration is process-wide: every connection opened afterwards
// sees them, which keeps them usable from CHECK and DEFAULT contexts.
func registerFunctions() {
	registerOnce.Do(func() {
		sqlite.MustRegisterScalarFunction("uuid_v7", 0, fnUUIDv7)
		sqlite.MustRegisterScalarFunction("uuid_v7_text", 0, fnUUIDv7Text)
		sqlite.MustRegisterDeterministicScalarFunction("is_uuid", 1, fnIsUUID)
		sqlite.MustRegisterDeterministicScalarFunction("is_uuid_v7", 1, fnIsUUIDv7)
		sqlite.MustRegisterDeterministicScalarFunction("parse_uuid", 1, fnParseUUID)
		sqlite.MustRegisterDeterministicScalarFunction("uuid_url_safe_b64", 1, fnB64Text)
		sqlite.MustRegisterScalarFunction("hash_password", 1, fnHashPassword)
		sqlite.MustRegisterDeterministicScalarFunction("is_email", 1, fnIsEmail)
		sqlite.MustRegisterDeterministicScalarFunction("is_json", 1, fnIsJSON)
		sqlite.MustRegisterDeterministicScalarFunction("jsonschema", -1, fnJSONSchema)
		sqlite.MustRegisterDeterministicScalarFunction("jsonschema_matches", 2, fnJSONSchemaMatches)
		sqlite.MustRegisterScalarFunction("geoip_country", 1, fnGeoIPCountry)
		sqlite.MustRegisterDeterministicScalarFunction("b64_text", 1, fnB64Text)
		sqlite.MustRegisterDeterministicScalarFunction("b64_parse", 1, fnB64Parse)
	})
}

func fnUUIDv7(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

func fnUUIDv7Text(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func argUUID(v driver.Value) (uuid.UUID, bool) {
	b, ok := v.([]byte)
	if !ok || len(b) != 16 {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func fnIsUUID(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return int64(1), nil
	}
	_, ok := argUUID(args[0])
	return boolInt(ok), nil
}

func fnIsUUIDv7(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return int64(1), nil
	}
	id, ok := argUUID(args[0])
	return boolInt(ok && id.Version() == 7), nil
}

func fnParseUUID(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.New("parse_uuid: expected text")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse_uuid: %w", err)
	}
	return id[:], nil
}

func fnHashPassword(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.New("hash_password: expected text")
	}
	return pwhash.Hash(s)
}

// Deliberately loose: full RFC 5322 is not the contract, mailbox@domain is.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func fnIsEmail(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return int64(1), nil
	}
	s, ok := args[0].(string)
	return boolInt(ok && emailPattern.MatchString(s)), nil
}

func fnIsJSON(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return int64(1), nil
	}
	switch v := args[0].(type) {
	case string:
		return boolInt(json.Valid([]byte(v))), nil
	case []byte:
		return boolInt(json.Valid(v)), nil
	default:
		return int64(0), nil
	}
}

func fnJSONSchema(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, errors.New("jsonschema: expected 2 or 3 arguments")
	}
	if args[0] == nil {
		return int64(1), nil
	}

	name, ok := args[1].(string)
	if !ok {
		return nil, errors.New("jsonschema: schema name must be text")
	}

	extra := ""
	if len(args) == 3 {
		extra, _ = args[2].(string)
	}

	value, err := decodeJSONArg(args[0])
	if err != nil {
		return nil, fmt.Errorf("jsonschema: %w", err)
	}

	if err := jsonschema.Global().Validate(name, value, extra); err != nil {
		return nil, err
	}
	return int64(1), nil
}

func fnJSONSchemaMatches(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return int64(1), nil
	}
	schema, ok := args[1].(string)
	if !ok {
		return nil, errors.New("jsonschema_matches: schema must be text")
	}

	value, err := decodeJSONArg(args[0])
	if err != nil {
		return nil, fmt.Errorf("jsonschema_matches: %w", err)
	}

	if err := jsonschema.ValidateInline(schema, value); err != nil {
		return nil, err
	}
	return int64(1), nil
}

func decodeJSONArg(v driver.Value) (any, error) {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return nil, errors.New("expected JSON text")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return decoded, nil
}

func fnGeoIPCountry(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, nil
	}
	if code := geoip.CountryCode(s); code != "" {
		return code, nil
	}
	return nil, nil
}

func fnB64Text(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	b, ok := args[0].([]byte)
	if !ok {
		return nil, errors.New("b64_text: expected blob")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func fnB64Parse(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.New("b64_parse: expected text")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("b64_parse: %w", err)
	}
	return b, nil
}

func boolInt(b bool) int64 {
	if b {
		return int64(1)
	}
	return int64(0)
}
