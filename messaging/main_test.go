package messaging_test

import (
	"testing"

	"go.uber.org/goleak"
)

// the ants default pool lives for the whole process
var antsDefaultPool = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
	goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, antsDefaultPool...)
}
