// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/kolayfit/nativeauth/provider"
)

// FakeSDK is an in-memory provider.SDK. The zero value starts flows successfully and extracts
// whatever Account or Err are set to.
type FakeSDK struct {
	mu sync.Mutex

	Intent     provider.Intent
	StartErr   error
	Account    *provider.Account
	ExtractErr error
	SignOutErr error
	Cached     *provider.Account
	CachedErr  error
	// ExtractHook runs inside ExtractResult before the result is returned.
	ExtractHook func()

	Starts      int
	Extractions []provider.Completion
	SignOuts    int
}

func (f *FakeSDK) StartFlow(ctx context.Context) (provider.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Starts++
	if f.StartErr != nil {
		return "", f.StartErr
	}
	if f.Intent == "" {
		return "fake-intent", nil
	}
	return f.Intent, nil
}

func (f *FakeSDK) ExtractResult(ctx context.Context, c provider.Completion) (*provider.Account, error) {
	f.mu.Lock()
	f.Extractions = append(f.Extractions, c)
	hook, account, err := f.ExtractHook, f.Account, f.ExtractErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return account, err
}

func (f *FakeSDK) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignOuts++
	if f.SignOutErr != nil {
		return f.SignOutErr
	}
	f.Cached = nil
	return nil
}

func (f *FakeSDK) CachedAccount(ctx context.Context) (*provider.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Cached, f.CachedErr
}

// ExtractionCount returns how many completions reached ExtractResult.
func (f *FakeSDK) ExtractionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Extractions)
}

// Launch records one launched intent.
type Launch struct {
	Intent      provider.Intent
	RequestCode int
}

// FakeLauncher records launches and optionally fails them.
type FakeLauncher struct {
	mu       sync.Mutex
	Err      error
	Launches []Launch
}

func (l *FakeLauncher) Launch(ctx context.Context, intent provider.Intent, requestCode int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.Launches = append(l.Launches, Launch{Intent: intent, RequestCode: requestCode})
	return nil
}

// Count returns the number of successful launches.
func (l *FakeLauncher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launches)
}
