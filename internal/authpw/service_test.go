package authpw

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"tagdoc/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	nextID     int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, displayName, email, passwordHash string) (store.User, error) {
	m.nextID++
	user := store.User{
		ID:           fmt.Sprintf("user-%d", m.nextID),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: passwordHash,
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return user, nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "avery@example.com",
		Password:    "correct horse",
		DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.ID == "" || user.PasswordHash == "correct horse" {
		t.Fatalf("unexpected user %+v", user)
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("signed in as %s, expected %s", signedIn.ID, user.ID)
	}
}

func TestSignUpNormalizesEmail(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "  Avery@Example.COM ",
		Password:    "correct horse",
		DisplayName: "Avery",
	}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct horse"}); err != nil {
		t.Fatalf("SignIn with normalized email failed: %v", err)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	req := SignUpRequest{Email: "avery@example.com", Password: "correct horse", DisplayName: "Avery"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SignUp(ctx, req); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	cases := []SignUpRequest{
		{Email: "", Password: "correct horse", DisplayName: "Avery"},
		{Email: "avery@example.com", Password: "", DisplayName: "Avery"},
		{Email: "avery@example.com", Password: "correct horse", DisplayName: "  "},
		{Email: "avery@example.com", Password: "short", DisplayName: "Avery"},
	}
	for i, req := range cases {
		if _, err := svc.SignUp(ctx, req); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "avery@example.com",
		Password:    "correct horse",
		DisplayName: "Avery",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "correct horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}
