package kernel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"persona-relay/pkg/chat"
)

// The kernel may not import the store or cache packages, so these stand in
// for the values cmd/bot registers under the same names.
const (
	personaStoreService = "persona.store"
	proxyCacheService   = "proxy.cache"
)

type personaStoreStub struct{ path string }

type proxyCacheStub struct{ capacity int }

func TestServiceRegistryResolvesRelayServices(t *testing.T) {
	t.Parallel()

	store := &personaStoreStub{path: "personas.json"}
	cache := &proxyCacheStub{capacity: 32}

	registry := NewServiceRegistry()
	if err := registry.Register(personaStoreService, store); err != nil {
		t.Fatalf("register store: %v", err)
	}
	if err := registry.Register(proxyCacheService, cache); err != nil {
		t.Fatalf("register cache: %v", err)
	}

	gotStore, err := chat.ResolveAs[*personaStoreStub](registry, personaStoreService)
	if err != nil {
		t.Fatalf("resolve store: %v", err)
	}
	if gotStore != store {
		t.Fatalf("resolved store = %p, want %p", gotStore, store)
	}
	gotCache, err := chat.ResolveAs[*proxyCacheStub](registry, proxyCacheService)
	if err != nil {
		t.Fatalf("resolve cache: %v", err)
	}
	if gotCache.capacity != 32 {
		t.Fatalf("resolved cache capacity = %d, want 32", gotCache.capacity)
	}

	if _, err := chat.ResolveAs[*personaStoreStub](registry, proxyCacheService); err == nil {
		t.Fatal("expected type error resolving the cache as a store")
	}
}

func TestServiceRegistryRejectsBadRegistrations(t *testing.T) {
	t.Parallel()

	var nilStore *personaStoreStub

	tests := []struct {
		name    string
		service string
		value   any
		wantErr error
	}{
		{name: "second store", service: personaStoreService, value: &personaStoreStub{}, wantErr: chat.ErrServiceAlreadyRegistered},
		{name: "empty name", service: "", value: &proxyCacheStub{}},
		{name: "nil cache", service: proxyCacheService, value: nil},
		{name: "typed nil store", service: "persona.store.backup", value: nilStore},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := NewServiceRegistry()
			if err := registry.Register(personaStoreService, &personaStoreStub{}); err != nil {
				t.Fatalf("register store: %v", err)
			}

			err := registry.Register(testCase.service, testCase.value)
			if err == nil {
				t.Fatalf("Register(%q) succeeded, want error", testCase.service)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				t.Fatalf("Register(%q) error = %v, want %v", testCase.service, err, testCase.wantErr)
			}
		})
	}
}

func TestServiceRegistryMissingCache(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if _, err := registry.Resolve(proxyCacheService); !errors.Is(err, chat.ErrServiceNotFound) {
		t.Fatalf("resolve cache error = %v, want %v", err, chat.ErrServiceNotFound)
	}
}

func TestKernelRequiresRelayServices(t *testing.T) {
	t.Parallel()

	relayLike := func() *testModule {
		return &testModule{
			name: "relay",
			spec: chat.ModuleSpec{
				Handlers: []chat.ModuleHandler{{
					Capability: chat.Capability{
						Name:             "relay-messages",
						Interest:         chat.InterestSet{Kinds: []chat.EventKind{chat.EventKindMessageCreated}},
						RequiredServices: []string{personaStoreService, proxyCacheService},
					},
					Handler: func(context.Context, *chat.Event) error { return nil },
				}},
			},
		}
	}

	k := New()
	t.Cleanup(func() { _ = k.bus.Close(context.Background()) })
	if err := k.RegisterService(personaStoreService, &personaStoreStub{}); err != nil {
		t.Fatalf("register store: %v", err)
	}

	err := k.RegisterModule(context.Background(), relayLike())
	if err == nil || !strings.Contains(err.Error(), proxyCacheService) {
		t.Fatalf("register without cache error = %v, want missing %s", err, proxyCacheService)
	}

	if err := k.RegisterService(proxyCacheService, &proxyCacheStub{capacity: 1}); err != nil {
		t.Fatalf("register cache: %v", err)
	}
	if err := k.RegisterModule(context.Background(), relayLike()); err != nil {
		t.Fatalf("register with both services: %v", err)
	}
}
