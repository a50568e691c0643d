package store

// schemaSQL создаёт все таблицы хранилища. Выполняется при каждом Open —
// все операторы идемпотентны (IF NOT EXISTS), миграция сводится к добавлению
// новых таблиц. Времена хранятся строками RFC3339 в UTC: strftime в запросах
// временных шкал работает по ним напрямую.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id           INTEGER PRIMARY KEY,
    username     TEXT,
    first_name   TEXT,
    last_name    TEXT,
    tags         TEXT,
    avatar       TEXT,
    last_updated TEXT
);

CREATE TABLE IF NOT EXISTS media (
    id          INTEGER PRIMARY KEY,
    type        TEXT,
    url         TEXT,
    title       TEXT,
    description TEXT,
    thumb       TEXT,
    mime        TEXT,
    checksum    TEXT
);
CREATE INDEX IF NOT EXISTS idx_media_type ON media(type);

CREATE TABLE IF NOT EXISTS messages (
    id        INTEGER PRIMARY KEY,
    type      TEXT NOT NULL,
    date      TEXT NOT NULL,
    edit_date TEXT,
    content   TEXT,
    reply_to  INTEGER,
    user_id   INTEGER REFERENCES users(id),
    media_id  INTEGER REFERENCES media(id),
    topic_id  INTEGER,
    checksum  TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);

CREATE TABLE IF NOT EXISTS topics (
    id         INTEGER PRIMARY KEY,
    entity_id  INTEGER,
    title      TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS username_mentions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    username    TEXT NOT NULL,
    message_id  INTEGER REFERENCES messages(id),
    date        TEXT,
    source_type TEXT
);
CREATE INDEX IF NOT EXISTS idx_mentions_username ON username_mentions(username);

CREATE TABLE IF NOT EXISTS checkpoints (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    last_message_id INTEGER,
    checkpoint_time TEXT,
    context         TEXT
);

CREATE TABLE IF NOT EXISTS account_rotation (
    session_handle   TEXT PRIMARY KEY,
    api_id           INTEGER,
    api_hash         TEXT,
    phone            TEXT,
    usage_count      INTEGER DEFAULT 0,
    last_used        TEXT,
    last_error       TEXT,
    cooldown_until   TEXT,
    is_banned        BOOLEAN DEFAULT 0,
    flood_wait_count INTEGER DEFAULT 0,
    success_count    INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS account_channel_access (
    account_phone TEXT NOT NULL,
    channel_id    INTEGER NOT NULL,
    channel_name  TEXT,
    access_hash   INTEGER,
    last_seen     TEXT,
    PRIMARY KEY (account_phone, channel_id)
);

CREATE TABLE IF NOT EXISTS parallel_tasks (
    task_id        TEXT PRIMARY KEY,
    task_type      TEXT,
    target         TEXT,
    session_handle TEXT,
    started_at     TEXT,
    completed_at   TEXT,
    success        BOOLEAN,
    error          TEXT,
    result         TEXT
);

CREATE TABLE IF NOT EXISTS discovered_groups (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    group_link      TEXT UNIQUE,
    group_type      TEXT,
    date_discovered TEXT,
    source          TEXT,
    priority        REAL DEFAULT 0.0,
    status          TEXT DEFAULT 'new',
    last_checked    TEXT,
    title           TEXT
);
CREATE INDEX IF NOT EXISTS idx_discovered_status ON discovered_groups(status);

CREATE TABLE IF NOT EXISTS discovery_sources (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    source_entity TEXT,
    date_crawled  TEXT,
    groups_found  INTEGER,
    depth         INTEGER
);

CREATE TABLE IF NOT EXISTS group_relationships (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source_group      TEXT NOT NULL,
    target_group      TEXT NOT NULL,
    relationship_type TEXT DEFAULT 'mention',
    weight            REAL DEFAULT 1.0,
    UNIQUE(source_group, target_group, relationship_type)
);

CREATE TABLE IF NOT EXISTS forwarded_messages (
    hash           TEXT PRIMARY KEY,
    origin_id      INTEGER,
    destination_id INTEGER,
    message_id     INTEGER,
    forwarded_at   TEXT,
    preview        TEXT
);
`
