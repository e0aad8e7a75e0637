/*
Package test provides testing utilities for this module.

This package includes:
  - Suite: Base test suite with context and testify integration
  - Run: runs a suite from a standard Test function

Usage:

	import "github.com/deviceflux/deviceflux/pkg/test"

	type MyTestSuite struct {
		test.Suite
	}

	func (s *MyTestSuite) TestSomething() {
		s.NoError(doSomething(s.Ctx))
	}

	func TestMySuite(t *testing.T) {
		test.Run(t, new(MyTestSuite))
	}
*/
package test
