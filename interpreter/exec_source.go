package interpreter

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

// sourceGenerator yields the head-of-stream capsules for a source step.
// Source executors ignore upstream input: the inbound channel
// is drained so upstream producers can exit, and the generator's
// messages replace the stream.
type sourceGenerator func(ctx context.Context, emit func(*FlowMessage) bool) error

func runSource(ctx context.Context, env *runEnv, step dsl.Step, in <-chan *FlowMessage, gen sourceGenerator) <-chan *FlowMessage {
	base := step.Base()
	out := make(chan *FlowMessage, bufferFor(base))
	go func() {
		defer close(out)
		go func() {
			for range in { //nolint:revive // sources ignore upstream input
			}
		}()

		env.emit(NewEvent(EventStartStep, env.runID).WithStep(base.ID, step.StepType()))
		emit := func(m *FlowMessage) bool {
			m.Metadata.StepID = base.ID
			return send(ctx, out, m)
		}
		if err := gen(ctx, emit); err != nil {
			if ctx.Err() != nil {
				return
			}
			rt := asRuntimeError(err, base.ID)
			env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
			if rt.Class == core.RuntimeFatal {
				env.fatal(rt)
				return
			}
			send(ctx, out, NewFlowMessage(env.sessionID, nil).Fail(rt, base.ID))
		}
		env.emit(NewEvent(EventFinishStep, env.runID).WithStep(base.ID, step.StepType()))
	}()
	return out
}

// fileSourceExecutor emits one capsule per row of a delimited file, with
// columns bound to the step's outputs by header name, falling back to
// column position.
type fileSourceExecutor struct {
	env  *runEnv
	step *dsl.FileSource
}

func newFileSourceExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &fileSourceExecutor{env: env, step: step.(*dsl.FileSource)}, nil
}

func (e *fileSourceExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return runSource(ctx, e.env, e.step, in, e.generate)
}

func (e *fileSourceExecutor) generate(ctx context.Context, emit func(*FlowMessage) bool) error {
	f, err := os.Open(e.step.Path) // #nosec G304 -- path comes from the checked document
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "opening source file: " + err.Error(), Cause: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "reading header: " + err.Error(), Cause: err}
	}
	columnOf := map[string]int{}
	for i, name := range header {
		columnOf[strings.TrimSpace(name)] = i
	}

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "reading row: " + err.Error(), Cause: err}
		}
		vars := map[string]any{}
		for i, out := range e.step.Outputs {
			if col, ok := columnOf[out]; ok && col < len(row) {
				vars[out] = row[col]
			} else if i < len(row) {
				vars[out] = row[i]
			}
		}
		if !emit(NewFlowMessage(e.env.sessionID, vars)) {
			return ctx.Err()
		}
	}
}

// sqlSourceExecutor emits one capsule per row of a SQL query.
// The connection string takes the form driver://dsn; a bare DSN opens
// the pure-Go sqlite driver.
type sqlSourceExecutor struct {
	env  *runEnv
	step *dsl.SQLSource
}

func newSQLSourceExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &sqlSourceExecutor{env: env, step: step.(*dsl.SQLSource)}, nil
}

func (e *sqlSourceExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return runSource(ctx, e.env, e.step, in, e.generate)
}

func splitConnection(conn string) (driver, dsn string) {
	if i := strings.Index(conn, "://"); i > 0 {
		return conn[:i], conn[i+3:]
	}
	return "sqlite", conn
}

func (e *sqlSourceExecutor) generate(ctx context.Context, emit func(*FlowMessage) bool) error {
	driver, dsn := splitConnection(e.step.Connection)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "opening database: " + err.Error(), Cause: err}
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, e.step.Query)
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "querying: " + err.Error(), Cause: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "reading columns: " + err.Error(), Cause: err}
	}

	for rows.Next() {
		values := make([]any, len(cols))
		scan := make([]any, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "scanning row: " + err.Error(), Cause: err}
		}
		byName := map[string]any{}
		for i, c := range cols {
			byName[c] = normalizeSQLValue(values[i])
		}
		vars := map[string]any{}
		for i, out := range e.step.Outputs {
			if v, ok := byName[out]; ok {
				vars[out] = v
			} else if i < len(values) {
				vars[out] = normalizeSQLValue(values[i])
			}
		}
		if !emit(NewFlowMessage(e.env.sessionID, vars)) {
			return ctx.Err()
		}
	}
	return rows.Err()
}

func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// DocumentReader loads documents for a DocumentSource step, each as a
// RAGDocument-shaped map (id, text, metadata). Applications register
// readers by the step's reader_module name.
type DocumentReader interface {
	Read(ctx context.Context, args map[string]any) ([]map[string]any, error)
}

// DirectoryReader is the built-in "directory" reader: it loads every
// file matching args["glob"] (default "*.txt") under args["path"], one
// document per file, with the file's base name as id.
type DirectoryReader struct{}

func (DirectoryReader) Read(_ context.Context, args map[string]any) ([]map[string]any, error) {
	dir, _ := args["path"].(string)
	if dir == "" {
		return nil, fmt.Errorf("directory reader requires a path arg")
	}
	glob, _ := args["glob"].(string)
	if glob == "" {
		glob = "*.txt"
	}
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var docs []map[string]any
	for _, path := range matches {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the checked document's args
		if err != nil {
			return nil, err
		}
		docs = append(docs, map[string]any{
			"id":   filepath.Base(path),
			"text": string(data),
		})
	}
	return docs, nil
}

// documentSourceExecutor emits one capsule per document produced by the
// configured reader module.
type documentSourceExecutor struct {
	env  *runEnv
	step *dsl.DocumentSource
}

func newDocumentSourceExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &documentSourceExecutor{env: env, step: step.(*dsl.DocumentSource)}, nil
}

func (e *documentSourceExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return runSource(ctx, e.env, e.step, in, e.generate)
}

func (e *documentSourceExecutor) generate(ctx context.Context, emit func(*FlowMessage) bool) error {
	reader, ok := e.env.interp.cfg.Readers[e.step.ReaderModule]
	if !ok {
		return &core.RuntimeError{
			Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation,
			Message: fmt.Sprintf("no document reader registered as %q", e.step.ReaderModule),
		}
	}
	args := e.step.Args
	if len(e.step.LoaderArgs) > 0 {
		merged := make(map[string]any, len(args)+len(e.step.LoaderArgs))
		for k, v := range args {
			merged[k] = v
		}
		for k, v := range e.step.LoaderArgs {
			merged[k] = v
		}
		args = merged
	}
	docs, err := reader.Read(ctx, args)
	if err != nil {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "reading documents: " + err.Error(), Cause: err}
	}
	for _, doc := range docs {
		vars := map[string]any{}
		if len(e.step.Outputs) > 0 {
			vars[e.step.Outputs[0]] = doc
		}
		if !emit(NewFlowMessage(e.env.sessionID, vars)) {
			return ctx.Err()
		}
	}
	return nil
}
