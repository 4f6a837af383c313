package logger

type LevelWrapper struct {
	Base
	kv []any
}

func WrapLogger(l Base) Logger {
	return &LevelWrapper{Base: l}
}

func (w *LevelWrapper) Log(level LogLevel, msg string, kv ...any) {
	if level < w.Level() {
		return
	}
	if len(w.kv) > 0 {
		kv = append(append(make([]any, 0, len(w.kv)+len(kv)), w.kv...), kv...)
	}
	w.Base.Log(level, msg, kv...)
}

func (w *LevelWrapper) With(kv ...any) Logger {
	return &LevelWrapper{
		Base: w.Base,
		kv:   append(append(make([]any, 0, len(w.kv)+len(kv)), w.kv...), kv...),
	}
}

func (w *LevelWrapper) Debug(msg string, kv ...any) {
	w.Log(DebugLevel, msg, kv...)
}

func (w *LevelWrapper) Info(msg string, kv ...any) {
	w.Log(InfoLevel, msg, kv...)
}

func (w *LevelWrapper) Warn(msg string, kv ...any) {
	w.Log(WarnLevel, msg, kv...)
}

func (w *LevelWrapper) Error(msg string, kv ...any) {
	w.Log(ErrorLevel, msg, kv...)
}
