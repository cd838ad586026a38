package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

const triggerQuery = `SELECT t.tgname, c.relname`

func TestEnsureAppendOnly(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][2]string
		wantErr string
	}{
		{
			name: "both guards present",
			rows: [][2]string{
				{"trg_audit_logs_append_only", "audit_logs"},
				{"trg_critical_alerts_guard", "critical_alerts"},
				{"trg_other", "something_else"},
			},
		},
		{
			name:    "audit guard missing",
			rows:    [][2]string{{"trg_critical_alerts_guard", "critical_alerts"}},
			wantErr: "trg_audit_logs_append_only",
		},
		{
			name: "guard on the wrong table",
			rows: [][2]string{
				{"trg_audit_logs_append_only", "audit_logs_copy"},
				{"trg_critical_alerts_guard", "critical_alerts"},
			},
			wantErr: "trg_audit_logs_append_only",
		},
		{
			name:    "no triggers",
			wantErr: "audit tamper guard missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock: %v", err)
			}
			defer conn.Close()

			rows := sqlmock.NewRows([]string{"tgname", "relname"})
			for _, r := range tt.rows {
				rows.AddRow(r[0], r[1])
			}
			mock.ExpectQuery(triggerQuery).WillReturnRows(rows)

			err = EnsureAppendOnly(context.Background(), conn)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("EnsureAppendOnly: %v", err)
				}
			} else {
				if !errors.Is(err, ErrGuardMissing) {
					t.Fatalf("err = %v, want ErrGuardMissing", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %q, want it to mention %q", err, tt.wantErr)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestEnsureAppendOnly_QueryError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectQuery(triggerQuery).WillReturnError(errors.New("permission denied"))
	err = EnsureAppendOnly(context.Background(), conn)
	if err == nil || errors.Is(err, ErrGuardMissing) {
		t.Fatalf("err = %v, want a query failure", err)
	}
}

func TestRunMigrations_RejectsUnknownDirection(t *testing.T) {
	conn, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	err = RunMigrations(conn, "sideways")
	if err == nil || !strings.Contains(err.Error(), "invalid migration direction") {
		t.Errorf("err = %v, want invalid direction", err)
	}
}

func TestMigrationsDefineGuardTriggers(t *testing.T) {
	ddl, err := migrationsFS.ReadFile("migrations/000003_audit_logs_append_only.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for name, table := range guardTriggers {
		if !strings.Contains(string(ddl), "CREATE TRIGGER "+name) {
			t.Errorf("migration does not create %s", name)
		}
		if !strings.Contains(string(ddl), "ON "+table) {
			t.Errorf("migration does not attach a trigger to %s", table)
		}
	}
}
