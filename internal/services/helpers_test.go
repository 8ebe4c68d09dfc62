package services

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(t.Name()))
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	InitSystemLogger(db)
	t.Cleanup(func() { InitSystemLogger(nil) })
	return db
}

// recordingQueue remembers every woken key instead of draining it.
type recordingQueue struct {
	mu   sync.Mutex
	keys []string
}

func (q *recordingQueue) Enqueue(key string) error {
	q.mu.Lock()
	q.keys = append(q.keys, key)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func (q *recordingQueue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.keys...)
}

func transientErr(method, path string) error {
	return &gitea.APIError{Kind: gitea.KindTransient, StatusCode: 503, Method: method, Path: path, Message: "service unavailable"}
}

func apiErr(kind gitea.Kind, status int, msg string) error {
	return &gitea.APIError{Kind: kind, StatusCode: status, Method: "POST", Path: "/api/v1/test", Message: msg}
}

// fakeRemote is an in-memory Git-hosting service.
type fakeRemote struct {
	mu sync.Mutex

	nextID  int64
	owners  map[string]gitea.OwnerKind
	users   map[string]*gitea.User
	repos   map[string]*gitea.Repository
	collabs map[string]map[string]gitea.Permission
	pulls   map[string][]*gitea.PullRequest
	commits map[string][]gitea.Commit

	calls    []string
	failures map[string][]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		owners:   map[string]gitea.OwnerKind{},
		users:    map[string]*gitea.User{},
		repos:    map[string]*gitea.Repository{},
		collabs:  map[string]map[string]gitea.Permission{},
		pulls:    map[string][]*gitea.PullRequest{},
		commits:  map[string][]gitea.Commit{},
		failures: map[string][]error{},
	}
}

func repoKey(owner, repo string) string { return strings.ToLower(owner + "/" + repo) }

// failNext makes the next calls of method return errs, in order.
func (f *fakeRemote) failNext(method string, errs ...error) {
	f.mu.Lock()
	f.failures[method] = append(f.failures[method], errs...)
	f.mu.Unlock()
}

// call records the call and pops a queued failure. Callers hold f.mu.
func (f *fakeRemote) call(method string, args ...string) error {
	f.calls = append(f.calls, method+"("+strings.Join(args, ",")+")")
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeRemote) countCalls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, method+"(") {
			n++
		}
	}
	return n
}

func (f *fakeRemote) addOrg(name string) {
	f.mu.Lock()
	f.owners[strings.ToLower(name)] = gitea.OwnerOrg
	f.mu.Unlock()
}

func (f *fakeRemote) addRepo(owner, name, branch string) *gitea.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putRepo(owner, name, branch, false)
}

func (f *fakeRemote) putRepo(owner, name, branch string, private bool) *gitea.Repository {
	f.nextID++
	r := &gitea.Repository{
		ID:            f.nextID,
		Name:          name,
		FullName:      owner + "/" + name,
		Owner:         gitea.User{Login: owner},
		Private:       private,
		DefaultBranch: branch,
		HTMLURL:       f.BaseURL() + "/" + owner + "/" + name,
	}
	f.repos[repoKey(owner, name)] = r
	return r
}

func (f *fakeRemote) repo(owner, name string) *gitea.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[repoKey(owner, name)]
}

func (f *fakeRemote) user(login string) *gitea.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[strings.ToLower(login)]
}

func (f *fakeRemote) collaborators(owner, name string) map[string]gitea.Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]gitea.Permission{}
	for k, v := range f.collabs[repoKey(owner, name)] {
		out[k] = v
	}
	return out
}

func (f *fakeRemote) pullRequests(owner, name string) []gitea.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gitea.PullRequest
	for _, pr := range f.pulls[repoKey(owner, name)] {
		out = append(out, *pr)
	}
	return out
}

func (f *fakeRemote) BaseURL() string { return "https://git.example.test" }

func (f *fakeRemote) EnsureOwnerExists(ctx context.Context, owner string) (gitea.OwnerKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EnsureOwnerExists", owner); err != nil {
		return "", err
	}
	if kind, ok := f.owners[strings.ToLower(owner)]; ok {
		return kind, nil
	}
	return "", apiErr(gitea.KindNotFound, 404, "owner not found")
}

func (f *fakeRemote) GetUser(ctx context.Context, login string) (*gitea.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetUser", login); err != nil {
		return nil, err
	}
	u, ok := f.users[strings.ToLower(login)]
	if !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "user does not exist")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRemote) CreateUser(ctx context.Context, opt gitea.CreateUserOption) (*gitea.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateUser", opt.Username); err != nil {
		return nil, err
	}
	if u, ok := f.users[strings.ToLower(opt.Username)]; ok {
		cp := *u
		return &cp, nil
	}
	f.nextID++
	u := &gitea.User{
		ID:       f.nextID,
		Login:    opt.Username,
		FullName: opt.FullName,
		Email:    opt.Email,
		HTMLURL:  f.BaseURL() + "/" + opt.Username,
		Active:   true,
	}
	f.users[strings.ToLower(opt.Username)] = u
	f.owners[strings.ToLower(opt.Username)] = gitea.OwnerUser
	cp := *u
	return &cp, nil
}

func (f *fakeRemote) UpdateUser(ctx context.Context, login string, opt gitea.EditUserOption) (*gitea.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdateUser", login); err != nil {
		return nil, err
	}
	u, ok := f.users[strings.ToLower(login)]
	if !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "user does not exist")
	}
	if opt.Email != nil {
		u.Email = *opt.Email
	}
	if opt.FullName != nil {
		u.FullName = *opt.FullName
	}
	if opt.Active != nil {
		u.Active = *opt.Active
	}
	if opt.Admin != nil {
		u.IsAdmin = *opt.Admin
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRemote) RenameUser(ctx context.Context, oldLogin, newLogin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RenameUser", oldLogin, newLogin); err != nil {
		return err
	}
	u, ok := f.users[strings.ToLower(oldLogin)]
	if !ok {
		if _, done := f.users[strings.ToLower(newLogin)]; done {
			return nil
		}
		return apiErr(gitea.KindNotFound, 404, "user does not exist")
	}
	delete(f.users, strings.ToLower(oldLogin))
	u.Login = newLogin
	f.users[strings.ToLower(newLogin)] = u
	return nil
}

func (f *fakeRemote) DeleteUser(ctx context.Context, login string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteUser", login); err != nil {
		return err
	}
	delete(f.users, strings.ToLower(login))
	return nil
}

func (f *fakeRemote) GetRepo(ctx context.Context, owner, repo string) (*gitea.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetRepo", owner, repo); err != nil {
		return nil, err
	}
	r, ok := f.repos[repoKey(owner, repo)]
	if !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "repository not found")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRemote) CreateRepo(ctx context.Context, owner string, kind gitea.OwnerKind, opt gitea.CreateRepoOption) (*gitea.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateRepo", owner, opt.Name); err != nil {
		return nil, err
	}
	if r, ok := f.repos[repoKey(owner, opt.Name)]; ok {
		if r.Private != opt.Private {
			return nil, apiErr(gitea.KindConflict, 409, "repository exists with different visibility")
		}
		cp := *r
		return &cp, nil
	}
	branch := opt.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	r := f.putRepo(owner, opt.Name, branch, opt.Private)
	r.Description = opt.Description
	cp := *r
	return &cp, nil
}

func (f *fakeRemote) EditRepo(ctx context.Context, owner, repo string, opt gitea.EditRepoOption) (*gitea.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EditRepo", owner, repo); err != nil {
		return nil, err
	}
	r, ok := f.repos[repoKey(owner, repo)]
	if !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "repository not found")
	}
	if opt.Description != nil {
		r.Description = *opt.Description
	}
	if opt.Private != nil {
		r.Private = *opt.Private
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRemote) DeleteRepo(ctx context.Context, owner, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteRepo", owner, repo); err != nil {
		return err
	}
	delete(f.repos, repoKey(owner, repo))
	delete(f.collabs, repoKey(owner, repo))
	return nil
}

func (f *fakeRemote) AddCollaborator(ctx context.Context, owner, repo, user string, perm gitea.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddCollaborator", owner, repo, user, string(perm)); err != nil {
		return err
	}
	if _, ok := f.repos[repoKey(owner, repo)]; !ok {
		return apiErr(gitea.KindNotFound, 404, "repository not found")
	}
	k := repoKey(owner, repo)
	if f.collabs[k] == nil {
		f.collabs[k] = map[string]gitea.Permission{}
	}
	f.collabs[k][strings.ToLower(user)] = perm
	return nil
}

func (f *fakeRemote) RemoveCollaborator(ctx context.Context, owner, repo, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RemoveCollaborator", owner, repo, user); err != nil {
		return err
	}
	delete(f.collabs[repoKey(owner, repo)], strings.ToLower(user))
	return nil
}

func (f *fakeRemote) ForkRepo(ctx context.Context, owner, repo, newOwner, name string) (*gitea.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ForkRepo", owner, repo, newOwner, name); err != nil {
		return nil, err
	}
	src, ok := f.repos[repoKey(owner, repo)]
	if !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "repository not found")
	}
	if r, ok := f.repos[repoKey(newOwner, name)]; ok {
		cp := *r
		return &cp, nil
	}
	r := f.putRepo(newOwner, name, src.DefaultBranch, src.Private)
	r.Fork = true
	cp := *r
	return &cp, nil
}

func (f *fakeRemote) CreatePullRequest(ctx context.Context, owner, repo string, opt gitea.CreatePullRequestOption) (*gitea.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreatePullRequest", owner, repo, opt.Head, opt.Base); err != nil {
		return nil, err
	}
	k := repoKey(owner, repo)
	if _, ok := f.repos[k]; !ok {
		return nil, apiErr(gitea.KindNotFound, 404, "repository not found")
	}
	pr := &gitea.PullRequest{
		ID:      int64(len(f.pulls[k]) + 100),
		Number:  int64(len(f.pulls[k]) + 1),
		Title:   opt.Title,
		State:   "open",
		HTMLURL: fmt.Sprintf("%s/%s/%s/pulls/%d", f.BaseURL(), owner, repo, len(f.pulls[k])+1),
		Head:    gitea.PRBranch{Label: opt.Head},
		Base:    gitea.PRBranch{Ref: opt.Base},
	}
	f.pulls[k] = append(f.pulls[k], pr)
	cp := *pr
	return &cp, nil
}

func (f *fakeRemote) findPull(owner, repo string, number int64) *gitea.PullRequest {
	for _, pr := range f.pulls[repoKey(owner, repo)] {
		if pr.Number == number {
			return pr
		}
	}
	return nil
}

func (f *fakeRemote) MergePullRequest(ctx context.Context, owner, repo string, number int64, opt gitea.MergePullRequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("MergePullRequest", owner, repo, fmt.Sprint(number), string(opt.Do)); err != nil {
		return err
	}
	pr := f.findPull(owner, repo, number)
	if pr == nil {
		return apiErr(gitea.KindNotFound, 404, "pull request not found")
	}
	pr.Merged, pr.State = true, "closed"
	return nil
}

func (f *fakeRemote) ClosePullRequest(ctx context.Context, owner, repo string, number int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ClosePullRequest", owner, repo, fmt.Sprint(number)); err != nil {
		return err
	}
	if pr := f.findPull(owner, repo, number); pr != nil {
		pr.State = "closed"
	}
	return nil
}

func (f *fakeRemote) ListCommits(ctx context.Context, owner, repo string, opt gitea.ListCommitsOptions) ([]gitea.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListCommits", owner, repo, fmt.Sprint(opt.Page)); err != nil {
		return nil, err
	}
	all := f.commits[repoKey(owner, repo)]
	limit := opt.Limit
	if limit <= 0 {
		limit = 50
	}
	page := opt.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]gitea.Commit(nil), all[start:end]...), nil
}

func (f *fakeRemote) GetCommit(ctx context.Context, owner, repo, sha string) (*gitea.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetCommit", owner, repo, sha); err != nil {
		return nil, err
	}
	for _, c := range f.commits[repoKey(owner, repo)] {
		if c.SHA == sha {
			cp := c
			cp.Stats = &gitea.CommitStats{Additions: 10, Deletions: 2, Total: 12}
			cp.Files = []gitea.CommitFile{{Filename: "main.go", Status: "modified"}}
			return &cp, nil
		}
	}
	return nil, apiErr(gitea.KindNotFound, 404, "commit not found")
}

func (f *fakeRemote) addCommits(owner, repo string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := repoKey(owner, repo)
	base := len(f.commits[k])
	for i := 0; i < n; i++ {
		var c gitea.Commit
		c.SHA = fmt.Sprintf("%040d", base+i+1)
		c.HTMLURL = fmt.Sprintf("%s/%s/%s/commit/%s", f.BaseURL(), owner, repo, c.SHA)
		c.Commit.Message = fmt.Sprintf("change %d\n\nbody", base+i+1)
		c.Commit.Author = gitea.CommitUser{Name: "Bob", Email: "bob@example.test", Date: time.Now().Add(-time.Duration(i) * time.Minute)}
		f.commits[k] = append(f.commits[k], c)
	}
}

// testEnv wires the services the way the server does, with the fake remote
// and a queue that only records wakeups. Drains are run explicitly.
type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	remote   *fakeRemote
	queue    *recordingQueue
	outbox   *Outbox
	engine   *Engine
	relay    *Relay
	hub      *SSEHub
	messages *MessageLog
	users    *UserService
	projects *ProjectService
	members  *ProjectMemberService
	tasks    *TaskService
	commits  *CommitSync
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	remote := newFakeRemote()
	remote.addOrg("acme")

	queue := &recordingQueue{}
	sealer := NewSealer("test-secret")
	outbox := NewOutbox(queue, sealer)
	hub := NewSSEHub()
	messages := NewMessageLog(db, hub)

	env := &testEnv{
		t:        t,
		db:       db,
		remote:   remote,
		queue:    queue,
		outbox:   outbox,
		relay:    NewRelay(db, outbox),
		hub:      hub,
		messages: messages,
		users:    NewUserService(db, outbox, true),
		projects: NewProjectService(db, outbox, "main"),
		members:  NewProjectMemberService(db, outbox),
		commits:  NewCommitSync(db, remote),
	}
	env.tasks = NewTaskService(db, outbox, remote, messages, hub)

	env.engine = NewEngine(db, outbox, config.WorkerConfig{LeaseTTL: time.Minute, MaxDeliveries: 3})
	env.engine.Register(models.EntityUser, NewUserReconciler(db, remote, outbox, true))
	env.engine.Register(models.EntityProject, NewProjectReconciler(db, remote, "main", false))
	env.engine.Register(models.EntityProjectMember, NewMemberReconciler(db, remote))
	env.engine.Register(models.EntityTask, NewAutomation(db, remote, env.tasks, messages, AutomationOptions{
		MergeMethod:   gitea.MergeMerge,
		DefaultBranch: "main",
	}))
	return env
}

func (e *testEnv) drain(key string) error {
	e.t.Helper()
	return e.engine.DrainKey(context.Background(), key)
}

// drainAll drains every key with pending events until nothing is left or a
// key stops on a transient failure.
func (e *testEnv) drainAll() {
	e.t.Helper()
	for i := 0; i < 10; i++ {
		var keys []string
		require.NoError(e.t, e.db.Model(&models.OutboxEvent{}).
			Where("status = ?", models.OutboxPending).
			Distinct("event_key").Pluck("event_key", &keys).Error)
		if len(keys) == 0 {
			return
		}
		// Users before projects so memberships find their accounts.
		sort.Slice(keys, func(a, b int) bool {
			return strings.HasPrefix(keys[a], "user:") && !strings.HasPrefix(keys[b], "user:")
		})
		progressed := false
		for _, k := range keys {
			before := e.pendingCount(k)
			_ = e.drain(k)
			if e.pendingCount(k) < before {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (e *testEnv) pendingCount(key string) int64 {
	var n int64
	require.NoError(e.t, e.db.Model(&models.OutboxEvent{}).
		Where("event_key = ? AND status = ?", key, models.OutboxPending).Count(&n).Error)
	return n
}

func (e *testEnv) events(key string) []models.OutboxEvent {
	var evs []models.OutboxEvent
	require.NoError(e.t, e.db.Where("event_key = ?", key).Order("id ASC").Find(&evs).Error)
	return evs
}

func (e *testEnv) createUser(username string) *models.User {
	e.t.Helper()
	u, err := e.users.Create(context.Background(), &CreateUserRequest{
		Username:  username,
		Email:     username + "@example.test",
		FirstName: strings.ToUpper(username[:1]) + username[1:],
		Password:  "secret123",
	})
	require.NoError(e.t, err)
	return u
}

func (e *testEnv) createProject(key string, owner *models.User) *models.Project {
	e.t.Helper()
	p, err := e.projects.Create(context.Background(), &CreateProjectRequest{
		Name:      key + " project",
		Key:       key,
		RepoOwner: "acme",
	}, owner.ID)
	require.NoError(e.t, err)
	return p
}

func (e *testEnv) reloadUser(id uint) *models.User {
	var u models.User
	require.NoError(e.t, e.db.First(&u, id).Error)
	return &u
}

func (e *testEnv) reloadProject(id uint) *models.Project {
	var p models.Project
	require.NoError(e.t, e.db.First(&p, id).Error)
	return &p
}

func (e *testEnv) reloadTask(id uint) *models.Task {
	var task models.Task
	require.NoError(e.t, e.db.First(&task, id).Error)
	return &task
}

func (e *testEnv) taskMessages(id uint) []models.TaskMessage {
	msgs, err := e.messages.List(context.Background(), id)
	require.NoError(e.t, err)
	return msgs
}
