package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) Getenv {
	return func(k string) string { return m[k] }
}

func allPasswords() map[string]string {
	return map[string]string{
		EnvLogbookMigratorPassword:    "pw1",
		EnvLogbookSvcPassword:         "pw2",
		EnvOpenMemoryMigratorPassword: "pw3",
		EnvOpenMemorySvcPassword:      "pw4",
		EnvOMSchema:                   "openmemory",
	}
}

func TestDetectMode_NoneSet_LogbookOnly(t *testing.T) {
	mode, err := DetectMode(envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, ModeLogbookOnly, mode)
}

func TestDetectMode_AllSet_UnifiedStack(t *testing.T) {
	mode, err := DetectMode(envOf(allPasswords()))
	require.NoError(t, err)
	assert.Equal(t, ModeUnifiedStack, mode)
}

func TestDetectMode_PartialSet_Errors(t *testing.T) {
	env := allPasswords()
	delete(env, EnvOpenMemorySvcPassword)
	_, err := DetectMode(envOf(env))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrPartialPasswords)
	assert.Contains(t, err.Error(), EnvOpenMemorySvcPassword)
}

// fakeRow scans scripted values.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if b, ok := dest[i].(*bool); ok {
			*b = r.values[i].(bool)
		}
	}
	return nil
}

// fakeDB answers the two queries the bootstrapper makes and records DDL.
type fakeDB struct {
	canCreateRole bool
	existingRoles map[string]bool
	execs         []string
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag("CREATE ROLE"), nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if strings.Contains(sql, "current_user") {
		return &fakeRow{values: []interface{}{db.canCreateRole}}
	}
	name, _ := args[0].(string)
	return &fakeRow{values: []interface{}{db.existingRoles[name]}}
}

func TestRun_UnifiedStack_CreatesAllFourRoles(t *testing.T) {
	db := &fakeDB{canCreateRole: true, existingRoles: map[string]bool{}}
	b := New(db)

	mode, err := b.Run(context.Background(), envOf(allPasswords()))
	require.NoError(t, err)
	assert.Equal(t, ModeUnifiedStack, mode)
	require.Len(t, db.execs, 4)
	for _, stmt := range db.execs {
		assert.True(t, strings.HasPrefix(stmt, "CREATE ROLE "))
	}
	assert.Contains(t, db.execs[0], `"logbook_migrator"`)
	assert.Contains(t, db.execs[3], `"openmemory_svc"`)
}

func TestRun_ExistingRoles_Altered(t *testing.T) {
	db := &fakeDB{
		canCreateRole: true,
		existingRoles: map[string]bool{"logbook_migrator": true},
	}
	mode, err := New(db).Run(context.Background(), envOf(allPasswords()))
	require.NoError(t, err)
	assert.Equal(t, ModeUnifiedStack, mode)
	assert.True(t, strings.HasPrefix(db.execs[0], "ALTER ROLE "))
	assert.True(t, strings.HasPrefix(db.execs[1], "CREATE ROLE "))
}

func TestRun_LogbookOnly_ProvisionsNothing(t *testing.T) {
	db := &fakeDB{canCreateRole: true}
	mode, err := New(db).Run(context.Background(), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, ModeLogbookOnly, mode)
	assert.Empty(t, db.execs)
}

func TestRun_NoCreateRole_Errors(t *testing.T) {
	db := &fakeDB{canCreateRole: false}
	_, err := New(db).Run(context.Background(), envOf(allPasswords()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATEROLE")
}

func TestRun_PublicOMSchema_Rejected(t *testing.T) {
	env := allPasswords()
	env[EnvOMSchema] = "public"
	db := &fakeDB{canCreateRole: true}
	_, err := New(db).Run(context.Background(), envOf(env))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public")
}

func TestQuoteLiteral_EscapesQuotes(t *testing.T) {
	assert.Equal(t, "'it''s'", quoteLiteral("it's"))
}
