package migrations

import "embed"

// Files 暴露任务表等 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
