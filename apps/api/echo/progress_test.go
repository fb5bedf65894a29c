package echoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/progress"
	"github.com/darasahq/darasa/core/user"
)

func Test_progressApi_enroll(t *testing.T) {
	env := initServer(t)
	seedCourse(t, env)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)
	token := getToken(t, student)

	tests := []httpTest{
		{
			name:     "auth required",
			body:     marchallObj(t, progress.EnrollRequest{CourseID: "cat-course"}),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingToken),
		},
		{
			name:     "course_id required",
			body:     marchallObj(t, progress.EnrollRequest{}),
			token:    token,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown course",
			body:     marchallObj(t, progress.EnrollRequest{CourseID: "nope"}),
			token:    token,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: progress.ErrNotFound.Error()}),
		},
		{
			name:     "enrolls",
			body:     marchallObj(t, progress.EnrollRequest{CourseID: "cat-course"}),
			token:    token,
			wantCode: http.StatusCreated,
		},
		{
			name:     "already enrolled",
			body:     marchallObj(t, progress.EnrollRequest{CourseID: "cat-course"}),
			token:    token,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: progress.ErrAlreadyEnrolled.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/v1/progress/enroll", tt.token, tt.body)
			env.server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	// the enrollment is live: the course list has one entry with the first
	// lesson unlocked
	req, rec := newAuthRequest(http.MethodGet, "/v1/progress", token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var enrollments []progress.Node
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enrollments))
	if assert.Len(t, enrollments, 1) {
		assert.Equal(t, progress.StatusInProgress, enrollments[0].Status)
	}
	hello := findNode(t, env, student.ID, "cat-course", "hello")
	assert.Equal(t, progress.StatusInProgress, hello.Status)
}

func Test_progressApi_lessonFlow(t *testing.T) {
	env := initServer(t)
	seedCourse(t, env)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)
	stranger := createUser(t, env.usrRepo, "John Roe", "john", "john@test.localhost", "pwd", user.StudentRoles, true)
	token := getToken(t, student)

	if _, err := env.progressSvc.Enroll(context.Background(), student.ID, "cat-course"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	hello := findNode(t, env, student.ID, "cat-course", "hello")
	vars := findNode(t, env, student.ID, "cat-course", "vars")

	tests := []httpTest{
		{
			name:     "locked lesson",
			path:     fmt.Sprintf("/v1/progress/lessons/%s/complete", vars.ID),
			token:    token,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: progress.ErrPolicyViolation.Error()}),
		},
		{
			name:     "another user's lesson",
			path:     fmt.Sprintf("/v1/progress/lessons/%s/complete", hello.ID),
			token:    getToken(t, stranger),
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: progress.ErrForbidden.Error()}),
		},
		{
			name:     "unknown lesson",
			path:     "/v1/progress/lessons/nope/complete",
			token:    token,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: progress.ErrNotFound.Error()}),
		},
		{
			name:     "completes the current lesson",
			path:     fmt.Sprintf("/v1/progress/lessons/%s/complete", hello.ID),
			token:    token,
			wantCode: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, tt.path, tt.token, tt.body)
			env.server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	vars = findNode(t, env, student.ID, "cat-course", "vars")
	assert.Equal(t, progress.StatusInProgress, vars.Status)
}

func Test_progressApi_testSubmission(t *testing.T) {
	env := initServer(t)
	seedCourse(t, env)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)
	token := getToken(t, student)
	ctx := context.Background()

	if _, err := env.progressSvc.Enroll(ctx, student.ID, "cat-course"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	for _, slug := range []string{"hello", "vars"} {
		node := findNode(t, env, student.ID, "cat-course", slug)
		if _, err := env.progressSvc.MarkLessonComplete(ctx, student.ID, node.ID); err != nil {
			t.Fatalf("completing %q failed: %v", slug, err)
		}
	}
	testNode := findNode(t, env, student.ID, "cat-course", "basics-test")

	// failing attempt: recorded, test stays open, cooldown starts
	req, rec := newAuthRequest(http.MethodPost,
		fmt.Sprintf("/v1/progress/tests/%s/submit", testNode.ID), token,
		marchallObj(t, progress.TestSubmission{Score: 50}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var res progress.TestResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Passed)
	assert.NotNil(t, res.Attempt.NextAttemptAt)

	// a retake within the cooldown is rejected
	req, rec = newAuthRequest(http.MethodPost,
		fmt.Sprintf("/v1/progress/tests/%s/submit", testNode.ID), token,
		marchallObj(t, progress.TestSubmission{Score: 100}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// the attempt history is visible to the owner only
	req, rec = newAuthRequest(http.MethodGet,
		fmt.Sprintf("/v1/progress/tests/%s/attempts", testNode.ID), token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var attempts []progress.TestAttempt
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	assert.Len(t, attempts, 1)

	// out-of-range score never reaches the engine
	req, rec = newAuthRequest(http.MethodPost,
		fmt.Sprintf("/v1/progress/tests/%s/submit", testNode.ID), token,
		marchallObj(t, progress.TestSubmission{Score: 101}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_progressApi_checkpointFlow(t *testing.T) {
	env := initServer(t)
	seedCourse(t, env)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)
	mentor := createUser(t, env.usrRepo, "Max Mentor", "max", "max@test.localhost", "pwd", []string{user.RoleMentor}, true)
	token := getToken(t, student)
	ctx := context.Background()

	if _, err := env.progressSvc.Enroll(ctx, student.ID, "cat-course"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	for _, slug := range []string{"hello", "vars"} {
		node := findNode(t, env, student.ID, "cat-course", slug)
		if _, err := env.progressSvc.MarkLessonComplete(ctx, student.ID, node.ID); err != nil {
			t.Fatalf("completing %q failed: %v", slug, err)
		}
	}
	testNode := findNode(t, env, student.ID, "cat-course", "basics-test")
	if _, err := env.progressSvc.SubmitTest(ctx, student.ID, testNode.ID, progress.TestSubmission{Score: 90}); err != nil {
		t.Fatalf("passing the test failed: %v", err)
	}
	cp := findNode(t, env, student.ID, "cat-course", "basics-cp")

	links := progress.CheckpointLinks{Links: []string{"https://github.com/janedoe/basics-project"}}
	submitPath := fmt.Sprintf("/v1/progress/checkpoints/%s/submit", cp.ID)
	gradePath := fmt.Sprintf("/v1/progress/checkpoints/%s/grade", cp.ID)

	// submission requires at least one valid URL
	req, rec := newAuthRequest(http.MethodPost, submitPath, token,
		marchallObj(t, progress.CheckpointLinks{Links: []string{"not a url"}}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req, rec = newAuthRequest(http.MethodPost, submitPath, token, marchallObj(t, links))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// the submission is readable back
	req, rec = newAuthRequest(http.MethodGet,
		fmt.Sprintf("/v1/progress/checkpoints/%s/submission", cp.ID), token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var sub progress.CheckpointSubmission
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, links.Links, sub.Links)

	// students cannot grade
	req, rec = newAuthRequest(http.MethodPost, gradePath, token,
		marchallObj(t, progress.CheckpointGrade{Score: 90}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// mentors can
	req, rec = newAuthRequest(http.MethodPost, gradePath, getToken(t, mentor),
		marchallObj(t, progress.CheckpointGrade{Score: 90}))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	cp = findNode(t, env, student.ID, "cat-course", "basics-cp")
	assert.Equal(t, progress.StatusCompleted, cp.Status)
	module := findNode(t, env, student.ID, "cat-course", "basics")
	assert.Equal(t, progress.StatusCompleted, module.Status)
}

func Test_progressApi_premiumGate(t *testing.T) {
	env := initServer(t)
	seedCourse(t, env)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)
	token := getToken(t, student)
	ctx := context.Background()

	if _, err := env.progressSvc.Enroll(ctx, student.ID, "cat-course"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	// without a subscription the premium module is not accessible
	req, rec := newAuthRequest(http.MethodGet, "/v1/progress/courses/cat-course", token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var tree progress.Node
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	premiumAccessible := true
	tree.Walk(func(n *progress.Node) {
		if n.Slug == "funcs" {
			premiumAccessible = n.Accessible
		}
	})
	assert.False(t, premiumAccessible)

	// an activation webhook flips it
	err := env.billingSvc.ApplyEvent(ctx, billing.Event{
		ID: "evt-1", Provider: billing.ProviderStripe, Type: billing.EventActivated, UserID: student.ID,
	})
	assert.NoError(t, err)

	req, rec = newAuthRequest(http.MethodGet, "/v1/progress/courses/cat-course", token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	tree.Walk(func(n *progress.Node) {
		if n.Slug == "funcs" {
			premiumAccessible = n.Accessible
		}
	})
	assert.True(t, premiumAccessible)
}
