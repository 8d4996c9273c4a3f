package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		pattern string
		isValid bool
	}{
		{"nutriscan.session", true},
		{"nutriscan.session.*", true},
		{"nutriscan.*.gemini", true},
		{"*", true},
		{"nutriscan..session", false},
		{"nutriscan.session.", false},
		{".nutriscan", false},
		{"nutriscan.**", false},
		{"_.nutriscan", false},
	} {
		tc := tc
		t.Run(tc.pattern, func(t *testing.T) {
			t.Parallel()
			test.That(t, validatePattern(tc.pattern), test.ShouldEqual, tc.isValid)
		})
	}
}

func TestRegistryUpdateConfig(t *testing.T) {
	registry := newRegistry()
	root := newImpl("nutriscan", INFO, true)
	root.registry = registry

	session := root.Sublogger("session")
	gemini := root.Sublogger("nutrition").Sublogger("gemini")
	test.That(t, registry.Names(), test.ShouldResemble,
		[]string{"nutriscan.nutrition", "nutriscan.nutrition.gemini", "nutriscan.session"})

	err := registry.UpdateConfig([]LoggerPatternConfig{
		{Pattern: "nutriscan.nutrition.*", Level: "debug"},
		{Pattern: "nutriscan.session", Level: "error"},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gemini.GetLevel(), test.ShouldEqual, DEBUG)
	test.That(t, session.GetLevel(), test.ShouldEqual, ERROR)

	// Loggers registered after the update pick up the patterns.
	late := root.Sublogger("nutrition").Sublogger("cache")
	test.That(t, late.GetLevel(), test.ShouldEqual, DEBUG)

	// Dropping a pattern resets matching loggers to info.
	test.That(t, registry.UpdateConfig(nil), test.ShouldBeNil)
	test.That(t, session.GetLevel(), test.ShouldEqual, INFO)

	err = registry.UpdateConfig([]LoggerPatternConfig{{Pattern: "bad..pattern", Level: "debug"}})
	test.That(t, err, test.ShouldNotBeNil)
	err = registry.UpdateConfig([]LoggerPatternConfig{{Pattern: "nutriscan", Level: "loud"}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSubloggerReturnsRegisteredInstance(t *testing.T) {
	registry := newRegistry()
	root := newImpl("nutriscan", INFO, true)
	root.registry = registry

	first := root.Sublogger("web")
	second := root.Sublogger("web")
	test.That(t, first, test.ShouldEqual, second)
}
