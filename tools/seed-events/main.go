// seed-events publishes sample directory and class events to a local
// broker, for exercising consumers during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
)

func main() {
	var (
		brokers  = flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
		kind     = flag.String("kind", getenv("SEED_KIND", "class"), "event kind: teacher | student | parent | class | class-update")
		schoolID = flag.String("school-id", getenv("SCHOOL_ID", "school-1"), "school id stamped on seeded events")
		count    = flag.Int("count", 1, "number of events to publish")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	publisher, err := eventbus.NewPublisher(logger, eventbus.ProducerConfig{
		Brokers:  *brokers,
		ClientID: "seed-events",
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = publisher.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 1; i <= *count; i++ {
		evt, err := buildEvent(strings.ToLower(*kind), *schoolID, i)
		if err != nil {
			fatal(err.Error())
		}
		if err := publisher.Publish(ctx, evt); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("published %s id=%s\n", evt.EventType(), evt.EventID())
	}
}

func buildEvent(kind, schoolID string, n int) (eventbus.Event, error) {
	suffix := fmt.Sprintf("%d-%d", time.Now().Unix(), n)
	switch kind {
	case "teacher":
		return contracts.TeacherCreated{
			Envelope:        eventbus.NewEnvelope(),
			TeacherID:       "seed-teacher-" + suffix,
			FullName:        "Seed Teacher " + suffix,
			Email:           fmt.Sprintf("teacher-%s@seed.example", suffix),
			Subject:         "Mathematics",
			DefaultPassword: "Tmp-seed-password",
			SchoolID:        schoolID,
		}, nil
	case "student":
		return contracts.StudentCreated{
			Envelope:        eventbus.NewEnvelope(),
			StudentID:       "seed-student-" + suffix,
			FullName:        "Seed Student " + suffix,
			Email:           fmt.Sprintf("student-%s@seed.example", suffix),
			Grade:           "7",
			DefaultPassword: "Tmp-seed-password",
			SchoolID:        schoolID,
		}, nil
	case "parent":
		return contracts.ParentCreated{
			Envelope:        eventbus.NewEnvelope(),
			ParentID:        "seed-parent-" + suffix,
			FullName:        "Seed Parent " + suffix,
			Email:           fmt.Sprintf("parent-%s@seed.example", suffix),
			DefaultPassword: "Tmp-seed-password",
		}, nil
	case "class":
		return contracts.ClassCreated{
			Envelope:      eventbus.NewEnvelope(),
			ClassID:       "seed-class-" + suffix,
			ClassName:     "Seed Class " + suffix,
			Grade:         "7",
			AcademicYear:  fmt.Sprintf("%d", time.Now().Year()),
			TotalStudents: 30,
			SchoolID:      schoolID,
		}, nil
	case "class-update":
		return contracts.ClassUpdated{
			Envelope:      eventbus.NewEnvelope(),
			ClassID:       "seed-class-" + suffix,
			ClassName:     "Seed Class " + suffix + " (updated)",
			Grade:         "8",
			AcademicYear:  fmt.Sprintf("%d", time.Now().Year()),
			TotalStudents: 31,
			SchoolID:      schoolID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "seed-events: "+msg)
	os.Exit(1)
}
