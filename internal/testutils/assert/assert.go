package assert

import (
	"errors"
	"strings"
	"testing"
)

func NoError(tb testing.TB, err error, msg ...string) {
	tb.Helper()

	if err == nil {
		return
	}

	if len(msg) == 0 {
		tb.Fatal(err)
	}

	tb.Fatal(strings.Join(msg, " "), ", error: ", err.Error())
}

func Error(tb testing.TB, err error, msg ...string) {
	tb.Helper()

	if err != nil {
		return
	}

	if len(msg) == 0 {
		tb.Fatal("expected an error but got nil")
	}

	tb.Fatal(strings.Join(msg, " "), ", expected an error but got nil")
}

// ErrorIs fails the test if err does not match target according to
// [errors.Is].
func ErrorIs(tb testing.TB, err, target error) {
	tb.Helper()

	if !errors.Is(err, target) {
		tb.Fatalf("expecting error matching '%v', got: '%v'", target, err)
	}
}

func Equal[T comparable](tb testing.TB, expected, actual T) {
	tb.Helper()

	if expected != actual {
		tb.Fatalf("Not equal, expecting '%v', got: '%v'", expected, actual)
	}
}

func NotEqual[T comparable](tb testing.TB, expected, actual T) {
	tb.Helper()

	if expected == actual {
		tb.Fatalf("expecting not equal values, got: '%v'", expected)
	}
}
