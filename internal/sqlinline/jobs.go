package sqlinline

// Migrations run in order at startup; each one is idempotent.
var Migrations = []string{QCreateJobsTable, QCreateJobsStatusIndex, QCreateJobsCreatedIndex, QCreateJobsRunningIndex}

const QCreateJobsTable = `--sql fd839cfd-3377-403e-8387-d88a92a42783
create table if not exists jobs (
  seq          bigserial primary key,
  id           text not null unique,
  input        jsonb not null,
  status       text not null,
  result       jsonb,
  error        text,
  created_at   timestamptz not null,
  started_at   timestamptz,
  completed_at timestamptz
);
`

const QCreateJobsStatusIndex = `--sql 4428238f-279b-4b51-be7b-0d08cfab740f
create index if not exists idx_jobs_status_created_at on jobs(status, created_at, seq);
`

const QCreateJobsCreatedIndex = `--sql 31502e9e-a2a5-4469-b916-cac006bc5dca
create index if not exists idx_jobs_created_at on jobs(created_at);
`

// QCreateJobsRunningIndex makes a second running row a constraint violation.
const QCreateJobsRunningIndex = `--sql 13191b27-31cc-4ed3-8b0f-e1de403efe26
create unique index if not exists idx_jobs_single_running on jobs(status) where status = 'running';
`

const QInsertJob = `--sql 00aad476-00fc-40ba-b677-0bbdfaac77ce
insert into jobs(id, input, status, created_at)
values ($1::text, $2::jsonb, 'pending', $3::timestamptz);
`

const QNotifyJobs = `--sql f5274354-5b0d-4f04-aa96-6794989b34ae
select pg_notify($1::text, $2::text);
`

const QSelectJobByID = `--sql b5e4e344-51e1-4759-a493-6d2f03c2621f
select id, input, status, result, error, created_at, started_at, completed_at
from jobs
where id = $1::text
limit 1;
`

const QClaimNextJob = `--sql 7dcb085b-52b6-4b60-976f-3cc0f9a4cd90
with next_job as (
    select seq
    from jobs
    where status = 'pending'
      and not exists (select 1 from jobs where status = 'running')
    order by created_at asc, seq asc
    for update skip locked
    limit 1
)
update jobs j
set status = 'running',
    started_at = greatest($1::timestamptz, j.created_at)
from next_job
where j.seq = next_job.seq
returning j.id, j.input, j.status, j.result, j.error, j.created_at, j.started_at, j.completed_at;
`

const QCompleteJob = `--sql 49e6bb51-206b-470e-ad3b-f76e761e692e
update jobs
set status = 'completed',
    result = $2::jsonb,
    completed_at = greatest($3::timestamptz, coalesce(started_at, created_at))
where id = $1::text and status = 'running';
`

const QFailJob = `--sql 3d74df14-8e70-4167-b0aa-bcff210b7eb6
update jobs
set status = 'failed',
    error = $2::text,
    completed_at = greatest($3::timestamptz, coalesce(started_at, created_at))
where id = $1::text and status = 'running';
`

const QReclaimStuckJobs = `--sql d1688595-87c2-42ae-ba61-718a3705dc20
update jobs
set status = 'failed',
    error = $1::text,
    completed_at = greatest($2::timestamptz, started_at)
where status = 'running'
  and started_at is not null
  and started_at < $3::timestamptz;
`

const QPurgeTerminalJobs = `--sql 82c86559-1467-4cb6-856d-3a4a84b9725b
delete from jobs
where status in ('completed', 'failed')
  and completed_at is not null
  and completed_at < $1::timestamptz;
`

const QDeleteTerminalJob = `--sql 5b1df63a-e515-4ab2-ae92-d0222c6e0b6c
delete from jobs
where id = $1::text and status in ('completed', 'failed');
`

const QJobStatusCounts = `--sql 9314eb9f-82c5-4ad3-a485-78bd11ec601b
select status, count(*)
from jobs
group by status;
`

const QRecentJobs = `--sql 2d00f104-6196-416d-9459-2863ad6f55be
select id, input, status, result, error, created_at, started_at, completed_at
from jobs
order by created_at desc, seq desc
limit $1::int;
`

const QPing = `--sql 6a1e2c4f-93b0-4d7e-8f25-0c1d9b7a3e58
select 1;
`
