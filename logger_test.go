package agent

import (
	"regexp"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestStripAnsiColorCodes(t *testing.T) {
	test.That(t, stripAnsiColorCodes([]byte("\x1b[34mINFO\x1b[0m")), test.ShouldResemble, []byte("INFO"))
}

func TestMatchingLogger(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ml := NewMatchingLogger(logger.AsZap(), false)

	started, err := ml.AddMatcher("started", regexp.MustCompile(`Output #(\d+)`), false)
	test.That(t, err, test.ShouldBeNil)
	_, err = ml.AddMatcher("started", regexp.MustCompile(`.`), false)
	test.That(t, err, test.ShouldNotBeNil)

	progress, err := ml.AddMatcher("progress", regexp.MustCompile(`^frame=`), true)
	test.That(t, err, test.ShouldBeNil)

	n, err := ml.Write([]byte("\x1b[0mOutput #0, mp4, to 'video.mp4':\n"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 36)
	matches := <-started
	test.That(t, matches[1], test.ShouldEqual, "0")

	// unread matches never block the writer
	for range 100 {
		_, err := ml.Write([]byte("frame=  120 fps= 30\n"))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, len(progress), test.ShouldEqual, 32)

	ml.DeleteMatcher("started")
	_, ok := <-started
	test.That(t, ok, test.ShouldBeFalse)
	// deleting twice is fine
	ml.DeleteMatcher("started")
}
