package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detection Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .row { display: flex; gap: 8px; align-items: center; margin: 8px 0; }
        .info { font-family: monospace; font-size: 13px; }
        #description { color: #aaa; font-size: 13px; min-height: 1.2em; }
        #error { color: #f66; font-size: 13px; min-height: 1.2em; }
        img { width: 100%; height: auto; display: block; background: #000; }
        table { width: 100%; font-size: 12px; border-collapse: collapse; }
        td, th { text-align: left; padding: 2px 4px; border-bottom: 1px solid #333; }
    </style>
</head>
<body>
    <div class="app">
        <div class="panel">
            <img id="stream" src="/stream" alt="Annotated stream">
            <div class="info" id="info">Waiting for data...</div>
            <div class="info" id="pipeline"></div>
        </div>

        <div class="panel">
            <div class="row">
                <label for="model">Model</label>
                <select id="model"></select>
            </div>
            <div id="description"></div>
            <div class="row">
                <label for="camera">Camera</label>
                <select id="camera"></select>
                <label><input type="checkbox" id="mirror"> Mirror</label>
            </div>
            <div class="row">
                <label for="confidence">Confidence</label>
                <input type="range" id="confidence" min="0" max="1" step="0.01" value="0.5">
                <span id="confidence-value">0.50</span>
            </div>
            <div id="error"></div>

            <div class="row">
                <button type="button" id="rec-start">Start recording</button>
                <button type="button" id="rec-stop">Stop recording</button>
                <span id="rec-status"></span>
            </div>

            <h3>Detections</h3>
            <img id="scatter" alt="Detections by class">
            <div class="row"><a href="/api/detections.csv">Download CSV</a></div>
            <table>
                <thead><tr><th>Time</th><th>Class</th><th>X</th><th>Y</th><th>W</th><th>H</th></tr></thead>
                <tbody id="recent"></tbody>
            </table>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);
        let editing = false;

        async function post(url, body) {
            const res = await fetch(url, {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: body === undefined ? undefined : JSON.stringify(body),
            });
            const data = await res.json().catch(() => ({}));
            $('error').textContent = res.ok ? '' : (data.error || res.statusText);
            return res.ok;
        }

        function setConfig(field, value) {
            return post('/api/config', {field, value});
        }

        function fillSelect(select, values, selected) {
            const current = Array.from(select.options).map((o) => o.value).join(',');
            if (current !== values.join(',')) {
                select.innerHTML = '';
                for (const v of values) {
                    const opt = document.createElement('option');
                    opt.value = v;
                    opt.textContent = v;
                    select.appendChild(opt);
                }
            }
            select.value = String(selected);
        }

        function render(status) {
            $('info').textContent = status.info;
            $('description').textContent = status.description;
            const p = status.pipeline;
            $('pipeline').textContent = p.state + ' / ' + p.fps.toFixed(1) + ' fps / frames ' + p.frames +
                ' / log ' + status.log.size + '/' + status.log.capacity +
                (p.camera_error ? ' / camera: ' + p.camera_error : '') +
                (p.model_error ? ' / model: ' + p.model_error : '');
            if (editing) return;
            fillSelect($('model'), status.models, status.config.model);
            fillSelect($('camera'), status.cameras, status.config.camera);
            $('mirror').checked = status.config.mirror;
            $('confidence').value = status.config.confidence;
            $('confidence-value').textContent = Number(status.config.confidence).toFixed(2);
            const rec = status.recording;
            $('rec-status').textContent = rec && rec.recording ? 'recording ' + rec.filename : '';
        }

        async function refreshDetections() {
            const res = await fetch('/api/detections?limit=10');
            if (!res.ok) return;
            const data = await res.json();
            const rows = data.detections.slice().reverse().map((d) =>
                '<tr><td>' + d.time + '</td><td>' + d.class_name + '</td><td>' + d.x + '</td><td>' +
                d.y + '</td><td>' + d.width + '</td><td>' + d.height + '</td></tr>');
            $('recent').innerHTML = rows.join('');
            $('scatter').src = '/api/scatter.png?t=' + Date.now();
        }

        $('model').addEventListener('change', (e) => post('/api/model', {model: e.target.value}));
        $('camera').addEventListener('change', (e) => setConfig('camera', Number(e.target.value)));
        $('mirror').addEventListener('change', (e) => setConfig('mirror', e.target.checked));
        $('confidence').addEventListener('input', (e) => {
            editing = true;
            $('confidence-value').textContent = Number(e.target.value).toFixed(2);
        });
        $('confidence').addEventListener('change', async (e) => {
            await setConfig('confidence', Number(e.target.value));
            editing = false;
        });
        $('rec-start').addEventListener('click', () => post('/api/recording/start'));
        $('rec-stop').addEventListener('click', () => post('/api/recording/stop'));

        const statusSource = new EventSource('/api/status/stream');
        statusSource.onmessage = (e) => render(JSON.parse(e.data));

        const detectionSource = new EventSource('/api/detections/stream');
        detectionSource.onmessage = () => refreshDetections();

        refreshDetections();
        setInterval(refreshDetections, 5000);
    </script>
</body>
</html>
`
