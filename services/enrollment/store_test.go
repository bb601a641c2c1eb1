package enrollment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"roost/pkg/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:enrollment-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = orm.AutoMigrate(
		&businessUnitModel{},
		&secretModel{},
		&secretRequestModel{},
		&enrollmentModel{},
		&enrolledDeviceModel{},
		&sessionModel{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := NewStore(orm, testSigner(t), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

var testMeta = events.RequestMetadata{UserAgent: "roost-test/1.0", PublicIP: "198.51.100.7"}

func TestVerifyToken(t *testing.T) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	tests := []struct {
		name    string
		opts    CreateSecretOptions
		mangle  func(store *Store, token string) string
		module  string
		serial  string
		wantErr string
	}{
		{
			name:   "valid",
			opts:   CreateSecretOptions{Module: ModuleOsquery},
			module: ModuleOsquery,
			serial: "C02AAA",
		},
		{
			name:    "missing token",
			opts:    CreateSecretOptions{Module: ModuleOsquery},
			mangle:  func(*Store, string) string { return "" },
			module:  ModuleOsquery,
			wantErr: "missing secret",
		},
		{
			name:    "wrong module",
			opts:    CreateSecretOptions{Module: ModuleOsquery},
			module:  ModuleMDM,
			wantErr: "invalid module",
		},
		{
			name:    "expired",
			opts:    CreateSecretOptions{Module: ModuleOsquery, ExpiredAt: &past},
			module:  ModuleOsquery,
			wantErr: "secret expired",
		},
		{
			name:    "serial out of scope",
			opts:    CreateSecretOptions{Module: ModuleOsquery, SerialNumbers: []string{"C02BBB"}},
			module:  ModuleOsquery,
			serial:  "C02AAA",
			wantErr: "not in secret scope",
		},
		{
			name:   "serial in scope",
			opts:   CreateSecretOptions{Module: ModuleOsquery, SerialNumbers: []string{"C02AAA", "C02BBB"}},
			module: ModuleOsquery,
			serial: "C02BBB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testStore(t)
			_, token, err := store.CreateSecret(ctx, tt.opts)
			if err != nil {
				t.Fatalf("CreateSecret: %v", err)
			}
			if tt.serial != "" {
				token += "$SERIAL$" + tt.serial
			}
			if tt.mangle != nil {
				token = tt.mangle(store, token)
			}

			scoped, err := store.VerifyToken(ctx, token, tt.module, testMeta, "")
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !IsAuthError(err) {
					t.Errorf("expected AuthError, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyToken: %v", err)
			}
			if scoped.Request == nil {
				t.Fatal("expected a verification request")
			}
			if scoped.SerialNumber != tt.serial {
				t.Errorf("serial = %q, want %q", scoped.SerialNumber, tt.serial)
			}
			if scoped.Secret.UsedCount != 1 {
				t.Errorf("used count = %d, want 1", scoped.Secret.UsedCount)
			}
		})
	}
}

func TestVerifyTokenRevoked(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	secret, token, err := store.CreateSecret(ctx, CreateSecretOptions{Module: ModuleOsquery})
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}
	if err := store.RevokeSecret(ctx, secret.ID); err != nil {
		t.Fatalf("RevokeSecret: %v", err)
	}

	if _, err := store.VerifyToken(ctx, token, ModuleOsquery, testMeta, ""); !IsAuthError(err) {
		t.Fatalf("expected AuthError for revoked secret, got %v", err)
	}
}

func TestVerifyTokenQuotaExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	_, token, err := store.CreateSecret(ctx, CreateSecretOptions{Module: ModuleOsquery, Quota: 1})
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	if _, err := store.VerifyToken(ctx, token, ModuleOsquery, testMeta, ""); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	_, err = store.VerifyToken(ctx, token, ModuleOsquery, testMeta, "")
	if !IsAuthError(err) {
		t.Fatalf("expected quota exhaustion, got %v", err)
	}
}

func TestVerifyTokenUnlimitedQuota(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	_, token, err := store.CreateSecret(ctx, CreateSecretOptions{Module: ModuleOsquery})
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.VerifyToken(ctx, token, ModuleOsquery, testMeta, ""); err != nil {
			t.Fatalf("redemption %d: %v", i+1, err)
		}
	}
}

func TestVerifyTokenBusinessUnitKey(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	bu, err := store.CreateBusinessUnit(ctx, "ACME Corp", "acme")
	if err != nil {
		t.Fatalf("CreateBusinessUnit: %v", err)
	}

	_, token, err := store.CreateSecret(ctx, CreateSecretOptions{Module: ModuleOsquery, BusinessUnitID: &bu.ID})
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	scoped, err := store.VerifyToken(ctx, token, ModuleOsquery, testMeta, "")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if scoped.BusinessUnit == nil || scoped.BusinessUnit.Key != "acme" {
		t.Errorf("business unit = %+v, want key acme", scoped.BusinessUnit)
	}
}
