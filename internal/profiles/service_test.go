package profiles

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestResolveLocationFallsBackToDefault(t *testing.T) {
	service := mustService(t)

	location, err := service.ResolveLocation(context.Background(), "user-without-profile")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if location.String() != "Asia/Seoul" {
		t.Fatalf("expected default Asia/Seoul, got %s", location)
	}
}

func TestResolveLocationUsesProfileTimezone(t *testing.T) {
	service := mustService(t)
	if err := service.SetTimezone(context.Background(), "user-la", "America/Los_Angeles"); err != nil {
		t.Fatalf("set timezone failed: %v", err)
	}

	location, err := service.ResolveLocation(context.Background(), "user-la")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if location.String() != "America/Los_Angeles" {
		t.Fatalf("expected America/Los_Angeles, got %s", location)
	}

	// updating the timezone must invalidate the cached location.
	if err := service.SetTimezone(context.Background(), "user-la", "Europe/Berlin"); err != nil {
		t.Fatalf("update timezone failed: %v", err)
	}
	location, err = service.ResolveLocation(context.Background(), "user-la")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if location.String() != "Europe/Berlin" {
		t.Fatalf("expected Europe/Berlin after update, got %s", location)
	}
}

func TestResolveLocationRejectsCorruptTimezone(t *testing.T) {
	service := mustService(t)
	if err := service.db.Create(&Profile{UserID: "user-bad", Timezone: "Not/AZone"}).Error; err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	_, err := service.ResolveLocation(context.Background(), "user-bad")
	if !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("expected ErrInvalidTimezone, got %v", err)
	}
}

func TestSetTimezoneValidatesInput(t *testing.T) {
	service := mustService(t)
	if err := service.SetTimezone(context.Background(), " ", "Asia/Seoul"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if err := service.SetTimezone(context.Background(), "user-1", "Nowhere/City"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("expected ErrInvalidTimezone, got %v", err)
	}
}

func TestListUserIDsOrdered(t *testing.T) {
	service := mustService(t)
	for _, userID := range []string{"user-b", "user-a"} {
		if err := service.SetTimezone(context.Background(), userID, ""); err != nil {
			t.Fatalf("seed %s failed: %v", userID, err)
		}
	}
	userIDs, err := service.ListUserIDs(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(userIDs) != 2 || userIDs[0] != "user-a" || userIDs[1] != "user-b" {
		t.Fatalf("unexpected user ids: %v", userIDs)
	}
}

func mustService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
