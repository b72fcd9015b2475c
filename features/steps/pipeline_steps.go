package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/broker"
	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/entities"
	"github.com/trunov/mp3hub/internal/queue"
	"github.com/trunov/mp3hub/internal/repository/storage"
	"github.com/trunov/mp3hub/internal/transport/handler"
	"github.com/trunov/mp3hub/internal/transport/router"
	use_case "github.com/trunov/mp3hub/internal/use-case"
)

const (
	videoQueue = "video"
	mp3Queue   = "mp3"
	deadSuffix = ".dead"
	jwtSecret  = "feature-suite-secret-at-least-32-bytes"
)

// mp3Header makes the fake output sniff as audio/mpeg.
var mp3Header = []byte("ID3\x03\x00\x00\x00\x00\x00\x00")

type stubConverter struct{}

func (stubConverter) Extract(_ context.Context, video []byte) ([]byte, error) {
	return append(append([]byte(nil), mp3Header...), video...), nil
}

type userTable map[string]entities.User

func (u userTable) GetUserByEmail(_ context.Context, email string) (entities.User, error) {
	user, ok := u[email]
	if !ok {
		return entities.User{}, storage.ErrUserNotFound
	}
	return user, nil
}

// pipelineContext holds test state for pipeline scenarios
type pipelineContext struct {
	broker *broker.Memory
	videos *blob.Memory
	mp3s   *blob.Memory
	users  userTable
	worker *queue.Worker
	srv    *httptest.Server

	token       string
	resp        *http.Response
	body        []byte
	videoFID    string
	completions []queue.Job
	delivery    broker.Delivery
	outcome     queue.Outcome
}

// SharedPipelineContext is reset before each scenario via Before hook
var SharedPipelineContext *pipelineContext

func getPipelineContext() *pipelineContext {
	return SharedPipelineContext
}

func InitializePipelineScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		SharedPipelineContext = &pipelineContext{users: userTable{}}
		return c, nil
	})

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if p := getPipelineContext(); p != nil && p.srv != nil {
			p.srv.Close()
		}
		SharedPipelineContext = nil
		return c, nil
	})

	ctx.Step(`^the pipeline is running$`, thePipelineIsRunning)
	ctx.Step(`^a user "([^"]*)" with password "([^"]*)" who is an admin$`, anAdminUser)
	ctx.Step(`^a user "([^"]*)" with password "([^"]*)" who is not an admin$`, aRegularUser)
	ctx.Step(`^I log in as "([^"]*)" with password "([^"]*)"$`, iLogInAs)
	ctx.Step(`^I upload a video "([^"]*)" with content "([^"]*)"$`, iUploadAVideo)
	ctx.Step(`^I upload the files "([^"]*)"$`, iUploadTheFiles)
	ctx.Step(`^I download the mp3 named in the last completion$`, iDownloadTheLastCompletion)
	ctx.Step(`^I download the mp3 "([^"]*)"$`, iDownloadTheMP3)
	ctx.Step(`^the response status is (\d+)$`, theResponseStatusIs)
	ctx.Step(`^the response is an mp3 attachment for the mp3 id$`, theResponseIsAnMP3Attachment)
	ctx.Step(`^the video queue holds (\d+) jobs? for the uploaded video$`, theVideoQueueHoldsJobs)
	ctx.Step(`^the video queue receives the raw message "([^"]*)"$`, theVideoQueueReceivesRaw)
	ctx.Step(`^the mp3 queue refuses publishes$`, theMP3QueueRefusesPublishes)
	ctx.Step(`^the mp3 queue accepts publishes again$`, theMP3QueueAcceptsPublishes)
	ctx.Step(`^the converter processes the next video job$`, theConverterProcessesTheNextJob)
	ctx.Step(`^the converter processes the next video job but its acknowledgement is lost$`, theConverterLosesTheAck)
	ctx.Step(`^the delivery is (acknowledged|requeued|rejected)$`, theDeliveryIs)
	ctx.Step(`^the delivery was a redelivery$`, theDeliveryWasARedelivery)
	ctx.Step(`^the mp3 queue holds (\d+) completions? for the uploaded video$`, theMP3QueueHoldsCompletions)
	ctx.Step(`^the mp3 store holds (\d+) blobs?$`, theMP3StoreHolds)
	ctx.Step(`^the video dead-letter queue holds (\d+) messages?$`, theDeadLetterQueueHolds)
	ctx.Step(`^nothing was stored or queued$`, nothingWasStoredOrQueued)
}

func thePipelineIsRunning() error {
	p := getPipelineContext()
	p.broker = broker.NewMemory(deadSuffix)
	if err := p.broker.Declare(context.Background(), videoQueue, mp3Queue); err != nil {
		return err
	}
	p.videos = blob.NewMemory()
	p.mp3s = blob.NewMemory()

	issuer, err := auth.NewIssuer(jwtSecret, time.Hour)
	if err != nil {
		return err
	}
	svc := auth.NewService(p.users, issuer, zap.NewNop())

	cfg := config.NewConfig()
	cfg.Upload.MaxRequestBodyMB = 1
	cfg.Upload.MaxMultipartMemoryMB = 1

	producer := queue.NewProducer(p.broker, videoQueue, mp3Queue)
	uc := use_case.New(p.videos, p.mp3s, producer, zap.NewNop())
	p.srv = httptest.NewServer(router.NewRouter(handler.New(uc, svc, cfg, zap.NewNop())))

	p.worker = queue.NewWorker(p.broker, producer, p.videos, p.mp3s, stubConverter{}, queue.WorkerConfig{
		Workers:        1,
		Prefetch:       1,
		ExtractTimeout: 5 * time.Second,
	}, zap.NewNop())
	return nil
}

func addUser(email, password string, admin bool) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	p := getPipelineContext()
	p.users[email] = entities.User{ID: int64(len(p.users) + 1), Email: email, PasswordHash: hash, Admin: admin}
	return nil
}

func anAdminUser(email, password string) error { return addUser(email, password, true) }

func aRegularUser(email, password string) error { return addUser(email, password, false) }

func (p *pipelineContext) do(req *http.Request) error {
	if p.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	p.resp, p.body = resp, body
	return nil
}

func iLogInAs(email, password string) error {
	p := getPipelineContext()
	req, err := http.NewRequest(http.MethodPost, p.srv.URL+"/login", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(email, password)
	if err := p.do(req); err != nil {
		return err
	}
	if p.resp.StatusCode == http.StatusOK {
		p.token = strings.TrimSpace(string(p.body))
	}
	return nil
}

func (p *pipelineContext) upload(files map[string]string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return err
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, p.srv.URL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := p.do(req); err != nil {
		return err
	}

	if p.resp.StatusCode == http.StatusOK {
		var out handler.UploadResponse
		if err := json.Unmarshal(p.body, &out); err != nil {
			return fmt.Errorf("decode upload response %q: %w", p.body, err)
		}
		p.videoFID = out.VideoFID
	}
	return nil
}

func iUploadAVideo(name, content string) error {
	return getPipelineContext().upload(map[string]string{name: content})
}

func iUploadTheFiles(list string) error {
	files := map[string]string{}
	for _, name := range strings.Split(list, ",") {
		files[strings.TrimSpace(name)] = "content of " + name
	}
	return getPipelineContext().upload(files)
}

func iDownloadTheMP3(fid string) error {
	p := getPipelineContext()
	req, err := http.NewRequest(http.MethodGet, p.srv.URL+"/download?fid="+fid, nil)
	if err != nil {
		return err
	}
	return p.do(req)
}

func iDownloadTheLastCompletion() error {
	p := getPipelineContext()
	if len(p.completions) == 0 {
		return errors.New("no completion has been read from the mp3 queue")
	}
	return iDownloadTheMP3(p.completions[len(p.completions)-1].MP3FID)
}

func theResponseStatusIs(code int) error {
	p := getPipelineContext()
	if p.resp == nil {
		return errors.New("no request was made")
	}
	if p.resp.StatusCode != code {
		return fmt.Errorf("status = %d, want %d (body %q)", p.resp.StatusCode, code, p.body)
	}
	return nil
}

func theResponseIsAnMP3Attachment() error {
	p := getPipelineContext()
	mp3FID := p.completions[len(p.completions)-1].MP3FID

	if ct := p.resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		return fmt.Errorf("content type = %q", ct)
	}
	want := fmt.Sprintf(`attachment; filename="%s.mp3"`, mp3FID)
	if cd := p.resp.Header.Get("Content-Disposition"); cd != want {
		return fmt.Errorf("content disposition = %q, want %q", cd, want)
	}
	if !bytes.HasPrefix(p.body, mp3Header) {
		return fmt.Errorf("body %q is not the converted audio", p.body)
	}
	return nil
}

func theVideoQueueHoldsJobs(n int) error {
	p := getPipelineContext()
	msgs := p.broker.Messages(videoQueue)
	if len(msgs) != n {
		return fmt.Errorf("video queue holds %d messages, want %d", len(msgs), n)
	}
	for _, msg := range msgs {
		job, err := queue.DecodeVideoJob(msg)
		if err != nil {
			return err
		}
		if job.VideoFID != p.videoFID {
			return fmt.Errorf("job names video %q, uploaded %q", job.VideoFID, p.videoFID)
		}
	}
	return nil
}

func theVideoQueueReceivesRaw(body string) error {
	return getPipelineContext().broker.Publish(context.Background(), videoQueue, []byte(body))
}

func theMP3QueueRefusesPublishes() error {
	getPipelineContext().broker.PublishHook = func(queue string, _ []byte) error {
		if queue == mp3Queue {
			return errors.New("channel closed")
		}
		return nil
	}
	return nil
}

func theMP3QueueAcceptsPublishes() error {
	getPipelineContext().broker.PublishHook = nil
	return nil
}

// process takes one delivery off the video queue and runs it through the
// worker. When settle is false the consumer goes away without settling, as
// a crashed converter would.
func (p *pipelineContext) process(settle bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := p.broker.Consume(ctx, videoQueue, broker.ConsumeOptions{Prefetch: 1})
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	p.delivery = d
	p.outcome = p.worker.Handle(ctx, d)
	if !settle {
		return nil
	}

	switch p.outcome {
	case queue.Ack:
		return c.Ack(ctx, d.Tag)
	case queue.Requeue:
		return c.Nack(ctx, d.Tag, true)
	default:
		return c.Nack(ctx, d.Tag, false)
	}
}

func theConverterProcessesTheNextJob() error {
	return getPipelineContext().process(true)
}

func theConverterLosesTheAck() error {
	p := getPipelineContext()
	if err := p.process(false); err != nil {
		return err
	}
	if p.outcome != queue.Ack {
		return fmt.Errorf("conversion ended with %s before the ack was lost", p.outcome)
	}
	return nil
}

func theDeliveryIs(state string) error {
	want := map[string]queue.Outcome{
		"acknowledged": queue.Ack,
		"requeued":     queue.Requeue,
		"rejected":     queue.Reject,
	}[state]
	if got := getPipelineContext().outcome; got != want {
		return fmt.Errorf("outcome = %s, want %s", got, want)
	}
	return nil
}

func theDeliveryWasARedelivery() error {
	if !getPipelineContext().delivery.Redelivered {
		return errors.New("delivery was not flagged as redelivered")
	}
	return nil
}

func theMP3QueueHoldsCompletions(n int) error {
	p := getPipelineContext()
	msgs := p.broker.Messages(mp3Queue)
	if len(msgs) != n {
		return fmt.Errorf("mp3 queue holds %d messages, want %d", len(msgs), n)
	}
	p.completions = p.completions[:0]
	for _, msg := range msgs {
		job, err := queue.DecodeCompletionJob(msg)
		if err != nil {
			return err
		}
		if job.VideoFID != p.videoFID {
			return fmt.Errorf("completion names video %q, uploaded %q", job.VideoFID, p.videoFID)
		}
		if _, err := p.mp3s.Get(context.Background(), job.MP3FID); err != nil {
			return fmt.Errorf("completion names mp3 %q: %w", job.MP3FID, err)
		}
		p.completions = append(p.completions, job)
	}
	return nil
}

func theMP3StoreHolds(n int) error {
	if got := getPipelineContext().mp3s.Len(); got != n {
		return fmt.Errorf("mp3 store holds %d blobs, want %d", got, n)
	}
	return nil
}

func theDeadLetterQueueHolds(n int) error {
	if got := len(getPipelineContext().broker.Messages(videoQueue + deadSuffix)); got != n {
		return fmt.Errorf("dead-letter queue holds %d messages, want %d", got, n)
	}
	return nil
}

func nothingWasStoredOrQueued() error {
	p := getPipelineContext()
	if p.videos.Len() != 0 {
		return fmt.Errorf("video store holds %d blobs", p.videos.Len())
	}
	if n := len(p.broker.Messages(videoQueue)); n != 0 {
		return fmt.Errorf("video queue holds %d messages", n)
	}
	return nil
}
